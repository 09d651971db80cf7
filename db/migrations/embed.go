// Package dbmigrations exposes embedded SQL migrations for relay binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into relay binaries.
//
//go:embed *.sql
var Files embed.FS
