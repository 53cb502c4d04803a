package migrations

import "embed"

// FS contains the embedded SQLite migrations for order storage.
//
//go:embed *.sql
var FS embed.FS
