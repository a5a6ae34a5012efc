package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/db/migrations"
	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the skillbox database that stores audit events and sessions.`,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	Long:  `Shows the applied and pending migrations of the database at database.path.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return migrationStatus(cmd.Context(), cmd.OutOrStdout(), cfg.Database.Path)
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		conn, err := db.OpenMigrated(ctx, cfg.Database.Path, migrations.All())
		if err != nil {
			return err
		}
		defer conn.Close()
		presenter.Success(fmt.Sprintf("Database %s is up to date", cfg.Database.Path))
		return nil
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback the last database migration",
	Long:  `Rolls back the most recently applied database migration.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return rollbackMigration(cmd.Context(), cfg.Database.Path)
	},
}

func init() {
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbRollbackCmd)
}

func migrationStatus(ctx context.Context, out io.Writer, path string) error {
	conn, err := db.Open(ctx, path)
	if err != nil {
		return err
	}
	defer conn.Close()

	applied, err := db.NewMigrationRunner(conn).AppliedVersions(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get migration status")
	}
	appliedSet := make(map[int64]bool, len(applied))
	for _, v := range applied {
		appliedSet[v] = true
	}

	all := migrations.All()
	fmt.Fprintln(out, "Database Migration Status")
	fmt.Fprintln(out, "=========================")
	fmt.Fprintf(out, "Database: %s\n\n", path)

	appliedCount := 0
	for _, m := range all {
		status := "[ ]"
		if appliedSet[m.Version] {
			status = "[✓]"
			appliedCount++
		}
		fmt.Fprintf(out, "%s %d - %s\n", status, m.Version, m.Description)
	}
	fmt.Fprintf(out, "\nApplied: %d/%d migrations\n", appliedCount, len(all))
	return nil
}

func rollbackMigration(ctx context.Context, path string) error {
	conn, err := db.Open(ctx, path)
	if err != nil {
		return err
	}
	defer conn.Close()

	runner := db.NewMigrationRunner(conn)
	applied, err := runner.AppliedVersions(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get migration status")
	}
	if len(applied) == 0 {
		presenter.Warning("No migrations to rollback")
		return nil
	}

	last := applied[len(applied)-1]
	for _, m := range migrations.All() {
		if m.Version == last {
			presenter.Info(fmt.Sprintf("Rolling back migration %d: %s", last, m.Description))
			break
		}
	}

	if err := runner.Rollback(ctx, migrations.All()); err != nil {
		return errors.Wrap(err, "failed to rollback migration")
	}
	presenter.Success(fmt.Sprintf("Successfully rolled back migration %d", last))
	return nil
}
