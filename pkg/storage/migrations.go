package storage

import "embed"

// Migrations holds the goose SQL migrations for the Postgres store.
//
//go:embed migrations/*.sql
var Migrations embed.FS
