package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/relay/internal/app"
	httpSrv "github.com/jmehdipour/relay/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var withPublisher bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server (SSE stream, inbound webhooks, admin API)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		if err := a.ConnectInbound(ctx); err != nil {
			return err
		}

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Outbox:     a.Outbox,
			Deliveries: a.Deliveries,
			Redis:      a.Redis,
			Hub:        a.Hub,
			Webhooks:   a.Webhooks,
			Log:        log.Named("http"),
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := server.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		for _, ep := range a.Endpoints {
			ep := ep
			g.Go(func() error { return ep.Run(gctx) })
		}
		if withPublisher {
			p := a.Publisher()
			log.Info("outbox publisher started in-process", zap.String("instance", p.InstanceID()))
			g.Go(func() error { return p.Run(gctx) })
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withPublisher, "publisher", false, "also run the outbox publisher in this process")
}
