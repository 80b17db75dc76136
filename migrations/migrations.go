// Package migrations embeds the SQL schema applied by db.Migrate.
package migrations

import "embed"

// FS holds the ordered *.sql files.
//
//go:embed *.sql
var FS embed.FS
