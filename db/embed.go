// Package db embeds the coupon engine schema.
package db

import _ "embed"

// Schema creates the coupon, usage ledger, catalog and API key tables. Every
// statement is idempotent so it can run on each startup.
//
//go:embed migrations/001_schema.sql
var Schema string
