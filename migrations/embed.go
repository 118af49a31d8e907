package migrations

import "embed"

// Files embeds the SQL migrations in lexical apply order.
//
//go:embed *.sql
var Files embed.FS
