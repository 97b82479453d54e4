// Package migrations embeds the audit schema SQL files applied by the
// gateway's migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
