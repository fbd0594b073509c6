// Package dbmigrations exposes the SQL migrations bundled into luxgrid binaries.
package dbmigrations

import "embed"

// Files holds the grid schema migrations.
//
//go:embed *.sql
var Files embed.FS
