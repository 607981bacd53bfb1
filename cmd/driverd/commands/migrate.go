package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/storage"
)

// MigrateAction applies the embedded job-history migrations.
func MigrateAction(ctx context.Context, cmd *cli.Command) error {
	if err := config.LoadEnvFile(cmd.String("env")); err != nil {
		return err
	}
	dsn := cmd.String("dsn")
	if dsn == "" {
		dsn = os.Getenv("PG_DSN")
	}
	if dsn == "" {
		return errors.New("PG_DSN or --dsn is required")
	}
	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	store, err := storage.NewPostgresStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer store.Close()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		logger.Info("migration applied", "file", name)
	}
	return nil
}
