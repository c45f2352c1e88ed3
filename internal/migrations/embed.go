package migrations

import "embed"

// FS holds one migrations directory per database dialect: postgres, mysql, sqlite3.
//
//go:embed postgres mysql sqlite3
var FS embed.FS
