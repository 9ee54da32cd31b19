package unilog

import "embed"

// migrationFS embeds all SQL migration files into the compiled binary so
// no migration files need to exist on disk at runtime.
//
//go:embed migrations/*.sql
var migrationFS embed.FS
