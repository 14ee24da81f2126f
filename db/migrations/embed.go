// Package dbmigrations exposes embedded SQL migrations for SwapFlow binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into SwapFlow binaries.
//
//go:embed *.sql
var Files embed.FS
