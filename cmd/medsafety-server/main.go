package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/medsafety/internal/config"
	"github.com/ehr/medsafety/internal/platform/db"
	"github.com/ehr/medsafety/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "medsafety-server",
		Short: "Medication safety, scheduling and traceability API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(recallCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func openPool(ctx context.Context) (*config.Config, *db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, db.NewMigrator(pool, migrations.Files), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a facility schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")
			if !db.ValidFacilityID(facility) {
				return fmt.Errorf("invalid facility identifier %q", facility)
			}
			ctx := context.Background()
			_, migrator, closeFn, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			schema := db.SchemaName(facility)
			if err := migrator.EnsureSchema(ctx, schema); err != nil {
				return err
			}
			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("facility", "default", "Facility whose schema is migrated")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")
			ctx := context.Background()
			_, migrator, closeFn, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			schema := db.SchemaName(facility)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("facility", "default", "Facility whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func recallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Recall maintenance commands",
	}

	traceCmd := &cobra.Command{
		Use:   "trace <recall-id>",
		Short: "Trace exposed and at-risk patients for a recall and print them as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid recall id: %w", err)
			}
			facility, _ := cmd.Flags().GetString("facility")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := context.Background()
			app, err := newApp(ctx, cfg, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			ctx, release, err := db.WithFacility(ctx, app.pool, facility)
			if err != nil {
				return err
			}
			defer release()

			res, err := app.recalls.FindAffectedPatients(ctx, id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	traceCmd.Flags().String("facility", "default", "Facility that owns the recall")
	cmd.AddCommand(traceCmd)
	return cmd
}
