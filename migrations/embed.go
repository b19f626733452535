// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
// Each backend has its own dialect directory.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var all embed.FS

// Postgres returns the Postgres-dialect migration files.
func Postgres() fs.FS {
	sub, err := fs.Sub(all, "postgres")
	if err != nil {
		panic(err)
	}
	return sub
}

// SQLite returns the SQLite-dialect migration files.
func SQLite() fs.FS {
	sub, err := fs.Sub(all, "sqlite")
	if err != nil {
		panic(err)
	}
	return sub
}
