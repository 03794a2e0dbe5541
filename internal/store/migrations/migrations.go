// Package migrations embeds the ordered schema upgrade chain.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
