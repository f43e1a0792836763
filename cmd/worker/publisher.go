package worker

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/relay/internal/app"
	"github.com/jmehdipour/relay/internal/config"
	"github.com/jmehdipour/relay/internal/logger"
	"github.com/jmehdipour/relay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var publisherCmd = &cobra.Command{
	Use:   "publisher",
	Short: "Run the outbox publisher loop",
	RunE:  runPublisher,
}

func runPublisher(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2) connections and sinks
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	// 3) loop until signalled; the batch in flight finishes first
	p := a.Publisher()
	log.Info("outbox publisher started",
		zap.String("instance", p.InstanceID()),
		zap.Int("sinks", len(a.Sinks)))
	return p.Run(ctx)
}
