// Package migrations embeds the SQL migration files applied by the MySQL
// event log on startup.
package migrations

import "embed"

// Files holds the embedded migration scripts.
//
//go:embed *.sql
var Files embed.FS
