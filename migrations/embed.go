// Package migrations embeds the schema migrations for the run store,
// so applying them never depends on the process working directory.
package migrations

import "embed"

// FS holds every .sql migration in this directory, applied in
// lexical order (001_initial.sql first).
//
//go:embed *.sql
var FS embed.FS
