// Package migrations embeds the goose SQL migrations so binaries can
// apply them without a checkout.
package migrations

import "embed"

//go:embed *.sql
var EmbeddedFS embed.FS
