// Package migrations carries the schema migrations and seed data compiled
// into the migrate binary.
package migrations

import "embed"

//go:embed sql seeds
var Files embed.FS
