package main

import (
	"flag"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/seedvault/seedvault/pkg/storage"
)

var (
	dsn     = flag.String("dsn", "", "Postgres connection string")
	command = flag.String("command", "up", "Goose command: up, down, status, version")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Seedvault Database Migration Tool")
	log.Println("=================================")

	if *dsn == "" {
		log.Fatal("--dsn is required")
	}

	db, err := sqlx.Connect("pgx", *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	goose.SetBaseFS(storage.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	switch *command {
	case "up":
		err = goose.Up(db.DB, "migrations")
	case "down":
		err = goose.Down(db.DB, "migrations")
	case "status":
		err = goose.Status(db.DB, "migrations")
	case "version":
		err = goose.Version(db.DB, "migrations")
	default:
		log.Fatalf("Unknown command %q", *command)
	}
	if err != nil {
		log.Fatalf("Migration %s failed: %v", *command, err)
	}
	log.Printf("Migration %s completed successfully", *command)
}
