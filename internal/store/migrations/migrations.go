// Package migrations embeds the cache store schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
