package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/AuroralH2020/auroral-node-agent/adapter"
	"github.com/AuroralH2020/auroral-node-agent/config"
	"github.com/AuroralH2020/auroral-node-agent/consumption"
	"github.com/AuroralH2020/auroral-node-agent/discovery"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/health"
	"github.com/AuroralH2020/auroral-node-agent/kvstore"
	"github.com/AuroralH2020/auroral-node-agent/login"
	"github.com/AuroralH2020/auroral-node-agent/mapping"
	"github.com/AuroralH2020/auroral-node-agent/metric"
	"github.com/AuroralH2020/auroral-node-agent/natsclient"
	"github.com/AuroralH2020/auroral-node-agent/pkg/cache"
	"github.com/AuroralH2020/auroral-node-agent/pkg/scheduler"
	"github.com/AuroralH2020/auroral-node-agent/registration"
	"github.com/AuroralH2020/auroral-node-agent/registry"
	"github.com/AuroralH2020/auroral-node-agent/tdcache"
	"github.com/AuroralH2020/auroral-node-agent/wot"
)

// App is the assembled agent.
type App struct {
	Config    *config.Config
	Node      *Node
	Manager   *registration.Manager
	Store     *registration.Store
	Sessions  *login.Supervisor
	Router    *adapter.Router
	Federator *discovery.Federator
	Resolver  *discovery.Resolver
	Consumer  *consumption.Consumer
	Checker   *health.Checker
	Metrics   *metric.MetricsRegistry
}

// Build connects to the key-value store and the optional NATS server and
// wires every component from cfg. Resources opened before a failure are
// released before returning.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var closers []Closer
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close(context.Background())
		}
	}

	metrics := metric.NewMetricsRegistry()
	core := metrics.CoreMetrics()

	kv, err := kvstore.NewRedis(ctx, cfg.Redis.URL, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, Closer{Name: "redis", Close: func(context.Context) error { return kv.Close() }})

	store := registration.NewStore(kv, logger)
	reg := registry.NewHTTPClient(cfg.Gateway, store, logger)
	descriptions := tdcache.New(kv, cfg.Cache, core, logger)
	sched := scheduler.New(clockwork.NewRealClock(), logger)
	sessions := login.NewSupervisor(reg, sched, cfg.Login, cfg.Gateway.ID, core, logger)

	deps := registration.Dependencies{
		Registry:     reg,
		Store:        store,
		Sessions:     sessions,
		Descriptions: descriptions,
		Scheduler:    sched,
		Metrics:      core,
	}
	routing := adapter.Dependencies{Registrations: store, Metrics: core}
	var (
		semantic discovery.Semantic
		mappings MappingLoader
	)
	checks := []health.Check{
		health.RedisCheck(kv.Ping),
		health.GatewayCheck(reg.Health),
	}

	if cfg.WoT.Enabled {
		wotClient := wot.NewHTTPClient(cfg.WoT, logger)
		engine := mapping.New(kv, wotClient, store, descriptions, logger)
		deps.Semantic = wotClient
		deps.Mappings = engine
		routing.Semantic = wotClient
		routing.Mapper = engine
		semantic = wotClient
		mappings = engine
		checks = append(checks, health.WoTCheck(wotClient.Health))
	}

	manager, err := registration.NewManager(deps, registration.Options{
		GatewayID:             cfg.Gateway.ID,
		SemanticEnabled:       cfg.WoT.Enabled,
		PostRegistrationDelay: cfg.Login.PostRegistrationDelay,
		RemovalAttempts:       cfg.Login.RemovalAttempts,
		RemovalRetryDelay:     cfg.Login.RemovalRetryDelay,
	}, logger)
	if err != nil {
		release()
		return nil, err
	}

	if cfg.Adapter.Mode == config.ModeProxy {
		if cfg.Adapter.Transport == config.TransportNATS {
			nc, err := natsclient.NewClient(cfg.NATS.URL,
				natsclient.WithLogger(logger),
				natsclient.WithName("agent-"+cfg.Gateway.ID),
				natsclient.WithRequestTimeout(cfg.Adapter.Timeout),
			)
			if err != nil {
				release()
				return nil, err
			}
			if err := nc.Connect(ctx); err != nil {
				release()
				return nil, errs.WrapTransient(err, "agent", "Build", "connect adapter transport")
			}
			closers = append(closers, Closer{Name: "nats", Close: nc.Close})
			routing.Proxy = adapter.NewNATSProxy(nc, cfg.Adapter.SubjectPrefix, logger)
			checks = append(checks, health.NATSCheck(nc.Ping))
		} else {
			routing.Proxy = adapter.NewHTTPProxy(cfg.Adapter, logger)
		}
	}
	router := adapter.NewRouter(routing, cfg.Adapter, cfg.WoT.Enabled, logger)

	agents, err := cache.NewTTL[string](ctx, lookupTTL(cfg.Cache.AgentLookupTTL), time.Minute,
		cache.WithMetrics[string](metrics, "agent_lookup"))
	if err != nil {
		release()
		return nil, err
	}
	closers = append(closers, Closer{Name: "agent-lookup-cache", Close: func(context.Context) error { return agents.Close() }})

	resolver := discovery.NewResolver(cfg.Gateway.ID, store, reg, agents, cfg.Discovery.Partners, logger)
	federator := discovery.NewFederator(cfg.Gateway.ID, reg, semantic, descriptions, nil, cfg.Discovery, core, logger)
	consumer := consumption.NewConsumer(reg, reg, descriptions, federator, logger)
	checker := health.NewChecker(health.NewMonitor(), health.DefaultCheckTimeout, checks,
		health.WithLogger(logger.With("component", "health")))

	node, err := NewNode(NodeDependencies{
		Store:        store,
		Sessions:     sessions,
		Reconciler:   manager,
		Descriptions: descriptions,
		Mappings:     mappings,
		Privacy:      reg,
		Scheduler:    sched,
		Closers:      closers,
	}, NodeOptions{
		GatewayID:          cfg.Gateway.ID,
		Mode:               cfg.Adapter.Mode,
		MappingReloadDelay: cfg.Login.PostRegistrationDelay,
	}, logger)
	if err != nil {
		release()
		return nil, err
	}

	return &App{
		Config:    cfg,
		Node:      node,
		Manager:   manager,
		Store:     store,
		Sessions:  sessions,
		Router:    router,
		Federator: federator,
		Resolver:  resolver,
		Consumer:  consumer,
		Checker:   checker,
		Metrics:   metrics,
	}, nil
}

func lookupTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 10 * time.Minute
	}
	return ttl
}
