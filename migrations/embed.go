// Package migrations carries the schema migration SQL inside the
// binary, so the server can bootstrap a fresh database no matter where
// it is launched from.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in lexicographic
// order by storage.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
