package migrations

import "embed"

// FS contains the embedded SQLite migrations for marketplace storage.
//
//go:embed *.sql
var FS embed.FS
