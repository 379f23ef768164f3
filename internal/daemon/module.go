// Package daemon wires relayd together with fx.
package daemon

import (
	"context"
	"net/http"

	"github.com/matheus3301/fedrelay/internal/api"
	"github.com/matheus3301/fedrelay/internal/binding"
	"github.com/matheus3301/fedrelay/internal/bus"
	"github.com/matheus3301/fedrelay/internal/config"
	"github.com/matheus3301/fedrelay/internal/delivery"
	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/lock"
	"github.com/matheus3301/fedrelay/internal/logging"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/metrics"
	"github.com/matheus3301/fedrelay/internal/outbox"
	"github.com/matheus3301/fedrelay/internal/paths"
	"github.com/matheus3301/fedrelay/internal/platform"
	"github.com/matheus3301/fedrelay/internal/platform/discord"
	"github.com/matheus3301/fedrelay/internal/platform/telegram"
	"github.com/matheus3301/fedrelay/internal/platform/whatsapp"
	"github.com/matheus3301/fedrelay/internal/presence"
	"github.com/matheus3301/fedrelay/internal/relay"
	"github.com/matheus3301/fedrelay/internal/status"
	"github.com/matheus3301/fedrelay/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the command line overrides passed to the fx module.
type Params struct {
	DataDir    string
	ConfigPath string // optional; empty = <data>/relayd.toml
	SocketPath string // optional override for testing; empty = use default
	// Quiet keeps logs out of stderr.
	Quiet bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLayout,
			provideConfig,
			provideLogger,
			provideLock,
			provideBus,
			provideStore,
			provideMetrics,
			providePresence,
			provideDirectory,
			provideMessaging,
			provideBindings,
			provideBridges,
			provideValidator,
			provideSender,
			provideDelivery,
			provideHTTPServer,
			provideControlServer,
			provideHeartbeat,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLayout(p Params) (paths.Layout, error) {
	l := paths.New(p.DataDir)
	return l, l.Ensure()
}

func provideConfig(p Params, l paths.Layout) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = l.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params, l paths.Layout, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{Path: l.LogPath(), Platform: cfg.Platform, Quiet: p.Quiet})
}

func provideLock(lc fx.Lifecycle, l paths.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", l.Root))
	lk, err := lock.Acquire(l.Root)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		if err := lk.Release(); err != nil {
			logger.Warn("error releasing lock", zap.Error(err))
		}
		return nil
	}})
	return lk, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

// provideStore depends on the lock so two daemons never migrate one database.
func provideStore(lc fx.Lifecycle, l paths.Layout, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(l.DBPath())
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", l.DBPath()))
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return db.Close() }})
	return db, nil
}

func provideMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, metrics.New(reg)
}

func providePresence(b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *presence.Registry {
	r := presence.NewRegistry(b, logger)
	r.SetObserver(m)
	return r
}

type directoryOut struct {
	fx.Out

	Directory federation.Directory
	// Registry is nil when the directory is remote.
	Registry *federation.Registry
}

func provideDirectory(lc fx.Lifecycle, cfg *config.Config, l paths.Layout, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) (directoryOut, error) {
	if cfg.Registry.Mode == config.RegistryRemote {
		logger.Info("using remote federation directory", zap.String("url", cfg.Registry.URL))
		return directoryOut{Directory: federation.NewClient(cfg.Registry.URL, &http.Client{Timeout: cfg.Relay.Timeout})}, nil
	}

	var peers federation.PeerStore
	var rooms federation.RoomStore
	switch cfg.Registry.Backend {
	case config.BackendPebble:
		ps, err := federation.OpenPebble(l.DirectoryPath())
		if err != nil {
			return directoryOut{}, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return ps.Close() }})
		peers, rooms = ps, ps
	default:
		mem := federation.NewMemoryStore()
		peers, rooms = mem, mem
	}

	dispatcher := relay.NewHTTPDispatcher(nil, cfg.Relay.Timeout, logger)
	reg := federation.NewRegistry(peers, rooms, dispatcher, federation.Options{
		DisableSelfHeal: cfg.Registry.DisableSelfHeal,
		StaleAfter:      cfg.Registry.StaleAfter,
	}, b, logger)
	reg.OnRelay(m.ObserveRelay)

	seed := make(map[string]string, len(cfg.Registry.Peers))
	for _, p := range cfg.Registry.Peers {
		seed[p.Name] = p.Endpoint
	}
	if err := reg.Seed(context.Background(), seed); err != nil {
		return directoryOut{}, err
	}
	logger.Info("embedded federation directory ready",
		zap.String("backend", cfg.Registry.Backend),
		zap.Int("seed_peers", len(seed)),
	)
	return directoryOut{Directory: reg, Registry: reg}, nil
}

type messagingOut struct {
	fx.Out

	Service *messaging.Service
	Local   *platform.Local
}

// provideMessaging builds the service and the local platform together: the
// service announces federated rooms through the platform, and the platform
// ingests relays through the service.
func provideMessaging(cfg *config.Config, db *store.DB, pres *presence.Registry, dir federation.Directory, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) messagingOut {
	var local *platform.Local
	svc := messaging.NewService(db, pres, messaging.Options{
		Platform: cfg.Platform,
		Observer: m.ObserveSubmit,
		OnFederatedRoom: func(ctx context.Context, room *store.Room) error {
			return local.RoomCreated(ctx, room)
		},
	}, b, logger)
	local = platform.NewLocal(cfg.Platform, cfg.PublicURL, svc, dir, logger)
	return messagingOut{Service: svc, Local: local}
}

func provideBindings(db *store.DB, b *bus.Bus, logger *zap.Logger) *binding.Service {
	return binding.NewService(db, b, logger)
}

func provideBridges(cfg *config.Config, l paths.Layout, bindings *binding.Service, db *store.DB, dir federation.Directory, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) []*platform.Bridge {
	var adapters []platform.Adapter
	if cfg.Discord.Enabled {
		adapters = append(adapters, discord.New(discord.Config{
			Token:     cfg.Discord.Token,
			RateLimit: cfg.Discord.RateLimit,
			RateBurst: cfg.Discord.RateBurst,
		}, b, logger))
	}
	if cfg.Telegram.Enabled {
		adapters = append(adapters, telegram.New(telegram.Config{
			Token:     cfg.Telegram.Token,
			RateLimit: cfg.Telegram.RateLimit,
			RateBurst: cfg.Telegram.RateBurst,
		}, b, logger))
	}
	if cfg.WhatsApp.Enabled {
		adapters = append(adapters, whatsapp.New(whatsapp.Config{
			SessionPath: l.WhatsAppSessionPath(),
			RateLimit:   cfg.WhatsApp.RateLimit,
			RateBurst:   cfg.WhatsApp.RateBurst,
		}, b, logger))
	}

	bridges := make([]*platform.Bridge, 0, len(adapters))
	for _, a := range adapters {
		bridges = append(bridges, platform.NewBridge(a, bindings, db, dir, platform.BridgeOptions{
			Endpoint: cfg.PublicURL + "/platforms/" + a.Name(),
			OnDrop:   m.ObserveDrop,
		}, b, logger))
	}
	return bridges
}

func provideValidator(cfg *config.Config, bindings *binding.Service, bridges []*platform.Bridge, m *metrics.Metrics, logger *zap.Logger) *binding.Validator {
	v := binding.NewValidator(bindings, cfg.Bindings.ValidateSchedule, cfg.Bindings.ValidateTimeout, logger)
	v.OnResult(m.ObserveValidation)
	for _, br := range bridges {
		v.Register(br.Name(), br.Validate)
	}
	return v
}

func provideSender(cfg *config.Config, db *store.DB, dir federation.Directory, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, dir, cfg.Platform, cfg.Relay.OutboxInterval, logger)
}

func provideDelivery(svc *messaging.Service, pres *presence.Registry, logger *zap.Logger) *delivery.Handler {
	return delivery.NewHandler(svc, pres, logger)
}

type httpParams struct {
	fx.In

	Config   *config.Config
	Registry *federation.Registry `optional:"true"`
	Service  *messaging.Service
	Presence *presence.Registry
	Local    *platform.Local
	Bridges  []*platform.Bridge
	WS       *delivery.Handler
	Gatherer *prometheus.Registry
	Logger   *zap.Logger
}

func provideHTTPServer(p httpParams) *api.Server {
	deps := api.Deps{
		Platform: p.Config.Platform,
		Messages: p.Service,
		Presence: p.Presence,
		Local:    p.Local,
		Relays:   make(map[string]platform.RelayHandler, len(p.Bridges)),
		WS:       p.WS,
		Gatherer: p.Gatherer,
	}
	// A nil *Registry must stay a nil interface so the directory routes are skipped.
	if p.Registry != nil {
		deps.Registry = p.Registry
	}
	for _, br := range p.Bridges {
		deps.Relays[br.Name()] = br
		if s, ok := br.Adapter().(platform.Stateful); ok {
			deps.Adapters = append(deps.Adapters, s)
		}
	}
	return api.NewServer(p.Config.Listen, deps, p.Logger)
}

func provideControlServer(p Params, l paths.Layout, logger *zap.Logger) (*ControlServer, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = l.SocketPath()
	}
	return NewControlServer(socketPath, logger)
}

func provideHeartbeat(cfg *config.Config, local *platform.Local, bridges []*platform.Bridge, logger *zap.Logger) *Heartbeat {
	announcers := []Announcer{local}
	for _, br := range bridges {
		announcers = append(announcers, br)
	}
	return NewHeartbeat(cfg.Registry.Heartbeat, cfg.Relay.Timeout, announcers, logger)
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	HTTP      *api.Server
	Control   *ControlServer
	Local     *platform.Local
	Bridges   []*platform.Bridge
	Sender    *outbox.Sender
	Validator *binding.Validator
	Heartbeat *Heartbeat
	WS        *delivery.Handler
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(p lifecycleParams) {
	logger := p.Logger
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Control.Watch(p.Bus)
			go func() {
				if err := p.Control.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			if err := p.HTTP.Start(); err != nil {
				return err
			}

			// A directory that is down must not keep the daemon from serving
			// local users; the heartbeat retries the registration.
			if err := p.Local.Register(ctx); err != nil {
				logger.Warn("initial directory registration failed", zap.Error(err))
			}
			p.Sender.Start(context.Background())

			for _, br := range p.Bridges {
				p.Control.SetPlatform(br.Name(), status.Stopped)
				if err := br.Start(context.Background()); err != nil {
					logger.Error("adapter failed to start", zap.String("adapter", br.Name()), zap.Error(err))
				}
			}

			if err := p.Validator.Start(); err != nil {
				return err
			}
			if err := p.Heartbeat.Start(); err != nil {
				return err
			}

			p.Control.SetServing(true)
			logger.Info("daemon started", zap.String("addr", p.HTTP.Addr()), zap.Int("adapters", len(p.Bridges)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Control.SetServing(false)
			p.Heartbeat.Stop(ctx)
			p.Validator.Stop(ctx)
			for _, br := range p.Bridges {
				if err := br.Stop(ctx); err != nil {
					logger.Warn("adapter stop", zap.String("adapter", br.Name()), zap.Error(err))
				}
			}
			p.Sender.Stop()
			if err := p.HTTP.Stop(ctx); err != nil {
				logger.Warn("HTTP server stop", zap.Error(err))
			}
			p.Control.Stop(ctx)
			logger.Info("daemon stopped", zap.Int64("open_connections", p.WS.Active()))
			return nil
		},
	})
}
