// Package migrations embeds the SQL schema migrations applied by cmd/migrate
// and by the postgres integration tests.
package migrations

import "embed"

// FS holds every *.up.sql and *.down.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
