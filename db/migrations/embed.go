// Package dbmigrations exposes embedded SQL migrations for Weir binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Weir binaries.
//
//go:embed *.sql
var Files embed.FS
