// Package migrations embeds the goose SQL migrations applied to the
// data mart schema at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
