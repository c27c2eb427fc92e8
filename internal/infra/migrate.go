package infra

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationTable tracks applied schema versions.
const MigrationTable = "goose_db_version"

// gooseLogger forwards goose output to zerolog. Fatalf logs at error level
// and leaves exiting to the caller.
type gooseLogger struct {
	logger Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Info().Msg("migrate: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error().Msg("migrate: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Migrate runs a goose command (up, down, status, version, reset) against
// the embedded migrations.
func Migrate(ctx context.Context, databaseURL, command string, logger Logger) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("migrate: open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("migrate: ping database: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(gooseLogger{logger: logger})
	goose.SetTableName(MigrationTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}

	const dir = "migrations"
	switch command {
	case "up":
		err = goose.UpContext(ctx, db, dir)
	case "down":
		err = goose.DownContext(ctx, db, dir)
	case "reset":
		err = goose.ResetContext(ctx, db, dir)
	case "status":
		err = goose.StatusContext(ctx, db, dir)
	case "version":
		err = goose.VersionContext(ctx, db, dir)
	default:
		return fmt.Errorf("migrate: unknown command %q (expected up, down, reset, status or version)", command)
	}
	if err != nil {
		return fmt.Errorf("migrate: %s: %w", command, err)
	}
	return nil
}
