package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nodevalidator/cmd/nodevalidator/panel"
	"nodevalidator/internal/keepalive"
)

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Open the interactive control panel",
	Long: `Opens a terminal panel attached to a running serve process.

The panel lists every item with its verdict, follows the current item and
records verdicts with the number keys. It keeps the server alive with
heartbeats while open.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c := newClient()

		b := keepalive.New(c, cfg.GetKeepAlivePeriod(), cfg.GetReconnectDelay())
		b.OnFailure(func(s keepalive.Status) {
			logger.Debug("Heartbeat failed", zap.Int("failures", s.Failures), zap.String("error", s.LastError))
		})
		go b.Run(ctx)

		events, err := c.Events(ctx)
		if err != nil {
			// The panel still works without push notifications; it just
			// refreshes after its own commands.
			logger.Warn("Event stream unavailable", zap.Error(err))
			events = nil
		}
		return panel.Run(ctx, c, events, b.Status)
	},
}
