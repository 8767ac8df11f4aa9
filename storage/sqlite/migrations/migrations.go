// Package migrations embeds the sqlite schema migrations so they compile
// into the binary.
package migrations

import "embed"

// Migrations holds the embedded migration files.
//
//go:embed *.sql
var Migrations embed.FS
