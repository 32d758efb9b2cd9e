package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openctemio/orchestrator/pkg/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				runner, done, err := openMigrations()
				if err != nil {
					return err
				}
				defer done()

				n, err := runner.Up(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("applied %d migration(s)\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				runner, done, err := openMigrations()
				if err != nil {
					return err
				}
				defer done()
				return runner.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				runner, done, err := openMigrations()
				if err != nil {
					return err
				}
				defer done()

				entries, err := runner.Status(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
				for _, e := range entries {
					applied := "pending"
					if e.AppliedAt != nil {
						applied = e.AppliedAt.UTC().Format("2006-01-02 15:04:05")
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Version, e.Name, applied)
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}

func openMigrations() (*migrations.Runner, func(), error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	done := func() { closeWithLog(db, "database", log) }
	return migrations.NewRunner(db.DB, migrations.Embedded(), log), done, nil
}
