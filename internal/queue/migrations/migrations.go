// Package migrations embeds the send queue schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
