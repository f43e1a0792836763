package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/relay/internal/config"
	"github.com/jmehdipour/relay/internal/http/middleware"
	"github.com/jmehdipour/relay/internal/metrics"
	"github.com/jmehdipour/relay/internal/repository"
	"github.com/jmehdipour/relay/internal/transport/sse"
	"github.com/jmehdipour/relay/internal/transport/webhook"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the components the server exposes. Nil members disable their routes.
type Deps struct {
	Outbox     repository.OutboxRepository
	Deliveries repository.DeliveryLog
	Redis      *redis.Client
	Hub        *sse.Hub
	Webhooks   *webhook.Host
	Log        *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover(), requestLogger(log))

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	v1 := e.Group("/v1")
	if d.Hub != nil {
		v1.GET("/stream", sse.Handler(d.Hub, cfg.SSE.KeepAlive))
	}
	if d.Webhooks != nil {
		d.Webhooks.Register(v1, "/webhooks")
	}

	// admin
	admin := v1.Group("/admin",
		middleware.AdminTokenMiddleware(cfg.Admin.Token),
		middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Redis:          d.Redis,
			RPS:            cfg.Admin.RateLimit,
			KeyPrefix:      "rl:admin:",
			Window:         time.Second,
			RetryAfterHint: true,
		}),
	)
	if d.Outbox != nil {
		admin.GET("/outbox", listOutboxHandler(d.Outbox, log))
	}
	if d.Deliveries != nil {
		admin.GET("/deliveries", listDeliveriesHandler(d.Deliveries, log))
	}

	return &Server{e: e, log: log}
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(_ echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Debug("http request", fields...)
			return nil
		},
	})
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
