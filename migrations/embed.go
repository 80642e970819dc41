// Package migrations embeds the driver host's SQL migration files into the
// binary so the schema can be brought up to date without the files on disk.
package migrations

import "embed"

// FS holds every *.sql file in this directory, at the root of the FS.
//
//go:embed *.sql
var FS embed.FS
