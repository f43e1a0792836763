// Package app wires configuration into the relay's components for the CLI.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmehdipour/relay/internal/config"
	"github.com/jmehdipour/relay/internal/db"
	"github.com/jmehdipour/relay/internal/events"
	"github.com/jmehdipour/relay/internal/inbox"
	"github.com/jmehdipour/relay/internal/outbox"
	"github.com/jmehdipour/relay/internal/repository"
	"github.com/jmehdipour/relay/internal/resilience"
	"github.com/jmehdipour/relay/internal/transport"
	"github.com/jmehdipour/relay/internal/transport/kafka"
	"github.com/jmehdipour/relay/internal/transport/nats"
	"github.com/jmehdipour/relay/internal/transport/sse"
	"github.com/jmehdipour/relay/internal/transport/webhook"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// App holds the opened connections and built components. Optional members
// are nil when their configuration is empty.
type App struct {
	Config config.Config
	Log    *zap.Logger

	MySQL      *sqlx.DB
	ClickHouse *sqlx.DB
	Redis      *redis.Client

	Registry   *events.Registry
	Local      *events.IntegrationDispatcher
	Outbox     *repository.OutboxRepositoryImpl
	Deliveries repository.DeliveryLog
	Hub        *sse.Hub
	Webhooks   *webhook.Host
	Endpoints  []transport.ReceiveEndpoint
	Sinks      []outbox.Sink
	hosts      []transport.Host
	closers    []func() error
}

// New opens MySQL (required), ClickHouse and Redis (when configured) and
// builds the sinks named in outbox.sinks.
func New(_ context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	registry, err := NewRegistry(cfg.Outbox.EventTypes)
	if err != nil {
		return nil, err
	}
	a.Registry = registry

	mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.OptsFrom(cfg.MySQL))
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	a.MySQL = mysqlDB
	a.closers = append(a.closers, mysqlDB.Close)
	a.Outbox = repository.NewOutboxRepository(mysqlDB)

	if cfg.ClickHouse.DSN != "" {
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.OptsFrom(cfg.ClickHouse))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		a.ClickHouse = chDB
		a.closers = append(a.closers, chDB.Close)
		a.Deliveries = repository.NewDeliveryLog(chDB)
	}

	if cfg.Redis.Addr != "" {
		rdb, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	a.Hub = a.newHub()

	store, err := webhook.NewMemoryStore(cfg.Webhooks.Subscriptions...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	whOpts := []webhook.HostOption{
		webhook.WithTolerance(cfg.Webhooks.Tolerance),
		webhook.WithLogger(log.Named("webhook")),
		webhook.WithPipelines(func(sub string) *resilience.Pipeline { return a.pipeline("webhook:" + sub) }),
	}
	for _, in := range cfg.Webhooks.Inbound {
		whOpts = append(whOpts, webhook.WithInboundSecret(in.Address, in.Secret))
	}
	a.Webhooks = webhook.NewHost(store, webhook.NewSender(cfg.Webhooks.Timeout), whOpts...)
	a.closers = append(a.closers, a.Webhooks.Close)

	if err := a.buildSinks(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// NewRegistry registers every configured event type as a raw JSON event.
func NewRegistry(types []string) (*events.Registry, error) {
	r := events.NewRegistry()
	for _, t := range types {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if err := r.RegisterRaw(t); err != nil {
			return nil, fmt.Errorf("register event type %q: %w", t, err)
		}
	}
	return r, nil
}

func (a *App) newHub() *sse.Hub {
	opts := []sse.Option{sse.WithQueueSize(a.Config.SSE.QueueSize), sse.WithLogger(a.Log.Named("sse"))}
	if a.Redis != nil && a.Config.SSE.ReplayStream != "" {
		opts = append(opts, sse.WithReplayStore(sse.NewRedisStore(a.Redis, a.Config.SSE.ReplayStream, a.Config.SSE.ReplayMaxLen)))
	}
	return sse.NewHub(opts...)
}

func (a *App) pipeline(name string) *resilience.Pipeline {
	return resilience.New(name, resilience.ConfigFrom(a.Config.Resilience), a.Log)
}

func (a *App) addHost(h transport.Host) {
	a.hosts = append(a.hosts, h)
	a.Sinks = append(a.Sinks, outbox.NewTransportSink(transport.Resilient(h, a.pipeline(h.Name()))))
}

func (a *App) buildSinks() error {
	oc := a.Config.Outbox

	if oc.HasSink("kafka") {
		hc, err := kafka.HostConfigFrom(a.Config.Kafka)
		if err != nil {
			return err
		}
		a.addHost(kafka.NewHost(hc, a.Log.Named("kafka")))
	}
	if oc.HasSink("nats") {
		nc, err := nats.Connect(a.Config.NATS, a.Log.Named("nats"))
		if err != nil {
			return err
		}
		a.addHost(nats.NewHost(nc, kafka.NameTopology{Prefix: a.Config.Kafka.TopicPrefix}, a.Log.Named("nats")))
	}
	if oc.HasSink("sse") {
		a.addHost(sse.NewHost(a.Hub, a.Log.Named("sse")))
	}
	if oc.HasSink("webhook") {
		// retried per subscription inside the host; closed through a.closers
		a.Sinks = append(a.Sinks, outbox.NewTransportSink(a.Webhooks))
	}
	if oc.LocalDispatch {
		a.Local = events.NewIntegrationDispatcher()
		for _, t := range a.Registry.Keys() {
			a.Local.Subscribe(t, a.logEvent)
		}
		a.Sinks = append(a.Sinks, outbox.NewLocalSink(a.Local))
	}
	if len(a.Sinks) == 0 {
		return fmt.Errorf("outbox: no sinks configured")
	}
	return nil
}

func (a *App) logEvent(_ context.Context, ev events.IntegrationEvent) error {
	a.Log.Info("integration event", zap.String("event_type", ev.EventType()))
	return nil
}

// Publisher builds the outbox publisher over the configured sinks.
func (a *App) Publisher() *outbox.Publisher {
	opts := []outbox.Option{outbox.WithLogger(a.Log.Named("publisher"))}
	if a.Deliveries != nil && a.Config.Outbox.DeliveryLog {
		opts = append(opts, outbox.WithDeliveryLog(a.Deliveries))
	}
	return outbox.NewPublisher(a.Outbox, a.Registry, a.Sinks, outbox.Config{
		BatchSize:    a.Config.Outbox.BatchSize,
		PollInterval: a.Config.Outbox.PollInterval,
		Lease:        a.Config.Outbox.Lease,
		DrainTimeout: a.Config.Outbox.DrainTimeout,
	}, opts...)
}

// ConnectInbound attaches one inbox-guarded receive endpoint per configured
// inbound webhook; accepted messages are forwarded through the outbox.
func (a *App) ConnectInbound(ctx context.Context) error {
	guard := inbox.NewGuard(a.MySQL, repository.NewInboxRepository(), a.Log.Named("inbox"))
	host := transport.Resilient(a.Webhooks, a.pipeline("webhook-inbound"))

	for _, in := range a.Config.Webhooks.Inbound {
		consumerID := in.ConsumerID
		if consumerID == "" {
			consumerID = "webhook:" + in.Address
		}
		ep, err := host.ConnectReceiveEndpoint(ctx, transport.ReceiveEndpointConfig{
			InputAddress: in.Address,
			Consumer:     guard.Wrap(consumerID, inbox.Forward(a.Registry, a.Outbox)),
		})
		if err != nil {
			return fmt.Errorf("inbound webhook %s: %w", in.Address, err)
		}
		a.Endpoints = append(a.Endpoints, ep)
	}
	return nil
}

// Close releases hosts and connections in reverse order of opening.
func (a *App) Close() error {
	var err error
	for _, h := range a.hosts {
		err = multierr.Append(err, h.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	return err
}
