// Package migrations holds the schema as ordered *.up.sql files.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.up.sql
var embedded embed.FS

func EmbeddedFS() fs.FS {
	return embedded
}
