package app

import "embed"

// Migrations holds the platform's schema migrations. The app applies them
// on start; integration tests reuse them to prepare scratch databases.
// River's own tables are managed separately with `river migrate-up`.
//
//go:embed migrations/*.sql
var Migrations embed.FS
