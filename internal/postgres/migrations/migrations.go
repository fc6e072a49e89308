// Package migrations embeds the SQL migration files run by goose at startup.
package migrations

import "embed"

// FS contains the embedded goose migration files.
//
//go:embed *.sql
var FS embed.FS
