package main

import (
	"github.com/spf13/cobra"

	infrahttp "github.com/openctemio/orchestrator/internal/infra/http"
	"github.com/openctemio/orchestrator/internal/infra/http/routes"
	"github.com/openctemio/orchestrator/internal/infra/websocket"
	"github.com/openctemio/orchestrator/pkg/logger"
)

func newRoutesCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print all registered HTTP routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.NewNop()
			router := infrahttp.NewChiRouter()
			routes.Register(router, NewHandlers(&HandlerDeps{
				Log:      log,
				Services: &Services{Hub: websocket.NewHub(nil, log)},
			}))
			return infrahttp.PrintRoutes(cmd.OutOrStdout(), infrahttp.CollectRoutes(router), format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json")
	return cmd
}
