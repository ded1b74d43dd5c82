// Package migrations carries the schema migration files applied with goose
// at server startup.
package migrations

import "embed"

// FS holds the numbered goose SQL files.
//
//go:embed *.sql
var FS embed.FS
