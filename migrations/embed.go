// Package migrations embeds the remote store schema so every binary can
// apply it without a checkout.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
