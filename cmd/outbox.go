package cmd

import (
	"fmt"

	"github.com/jmehdipour/relay/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbox maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Run publisher cycles until no rows are claimable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p := a.Publisher()
			total := 0
			for {
				res, err := p.RunOnce(cmd.Context())
				if err != nil {
					return fmt.Errorf("drain: %w", err)
				}
				total += res.Processed
				// failed rows stay claimable once their lease is released; stop
				// after a cycle that made no progress
				if res.Claimed == 0 || res.Processed == 0 {
					log.Info("outbox drained", zap.Int("processed", total), zap.Int("failed_last_cycle", res.Failed))
					return nil
				}
			}
		},
	})
	return cmd
}
