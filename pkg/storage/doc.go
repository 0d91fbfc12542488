/*
Package storage provides the durable entity store for the pipeline.

The Store interface covers every persistent entity: user jobs, the
append-only status history, parsed torrent descriptors, storage profiles,
resumable upload progress, and syncs. Two implementations exist:

  - BoltStore: embedded BoltDB. The default backend and the one package
    tests run against. Entities are JSON values keyed by big-endian ids so
    cursor scans stay ordered.
  - SQLStore: Postgres through sqlx/pgx with goose-managed schema. JSON
    columns hold the selection vector, file lists, part-etag lists, and
    history metadata. Status transitions lock the row with FOR UPDATE
    NOWAIT before writing.

ApplyJobTransition / ApplySyncTransition are the only write paths that
touch a status column; they persist the row update and the history append
in one transaction. Callers go through the status service rather than
calling them directly.

Terminal rows are never deleted (audit requirement); only UploadProgress
rows are removed, after the remote object completes.
*/
package storage
