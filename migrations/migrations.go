// Package migrations embeds the SQL schema files that
// internal/db.ApplyMigrations applies (db.Connect runs it on
// connect) before backend/postgres uses the database. Files are applied in sorted filename
// order; each is recorded in schema_migrations so it runs exactly once.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
