package migrations

import "embed"

// FS contains the embedded SQLite migrations of the session tables.
//
//go:embed *.sql
var FS embed.FS
