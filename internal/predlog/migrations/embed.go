package migrations

import "embed"

// FS contains the prediction log schema, one directory per dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
