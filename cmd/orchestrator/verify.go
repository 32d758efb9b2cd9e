package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openctemio/orchestrator/internal/app"
)

func newVerifyChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain <run-id>",
		Short: "Verify the evidence hash chain of a run",
		Long: `verify-chain recomputes every evidence hash of a run's findings and checks
each link to its predecessor. It exits non-zero when the chain is broken.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			repos, err := openRepositories(cfg, log)
			if err != nil {
				return err
			}
			defer closeWithLog(repos, "store", log)

			ledger := app.NewEvidenceLedger(repos.Findings, log)
			runs := app.NewRunService(repos.Runs, repos.Findings, ledger, nil, nil, log)
			result, err := runs.VerifyChain(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("evidence chain of run %s is broken at finding %s", args[0], result.BrokenAt)
			}
			return nil
		},
	}
}
