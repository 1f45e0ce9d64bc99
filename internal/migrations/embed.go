package migrations

import "embed"

// sqlFS embeds the migration SQL files directly into the binary so goose can
// apply them regardless of the process's working directory — cmd/migrate,
// cmd/server, and `go test` all resolve internal/migrations/sql/*.sql the
// same way instead of depending on a relative path from wherever they
// happen to be launched.
//
//go:embed sql/*.sql
var sqlFS embed.FS
