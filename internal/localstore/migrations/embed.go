package migrations

import "embed"

// FS contains the embedded SQLite schema for the local cache.
//
//go:embed *.sql
var FS embed.FS
