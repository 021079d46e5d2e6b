// Package migrations embeds the SQL schema applied by "medsafety-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
