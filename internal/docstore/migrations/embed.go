// Package migrations holds the docstore schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
