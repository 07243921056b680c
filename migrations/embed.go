// Package migrations embeds the goose SQL migrations for both databases:
// the on-device store (local/) and the authoritative ledger backend (backend/).
package migrations

import "embed"

//go:embed local/*.sql
var Local embed.FS

//go:embed backend/*.sql
var Backend embed.FS
