// Command marketfeed is the process entry point: it loads configuration,
// builds every component described in SPEC_FULL.md, wires their
// collaborators together, starts the background loops and the two network
// surfaces (WebSocket accept + HTTP admin/historical API), and waits for
// SIGINT/SIGTERM to run the graceful shutdown sequence of spec §5.
// Grounded on the teacher's ws/main.go: flag parsing, automaxprocs side
// effect, config load before logger construction, and a single blocking
// signal wait followed by one Shutdown call.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/quantarc/marketfeed/internal/bar"
	"github.com/quantarc/marketfeed/internal/cachestrategy"
	"github.com/quantarc/marketfeed/internal/config"
	"github.com/quantarc/marketfeed/internal/heartbeat"
	"github.com/quantarc/marketfeed/internal/histcache"
	"github.com/quantarc/marketfeed/internal/historical"
	"github.com/quantarc/marketfeed/internal/httpapi"
	"github.com/quantarc/marketfeed/internal/logging"
	"github.com/quantarc/marketfeed/internal/natsbus"
	"github.com/quantarc/marketfeed/internal/normalize"
	"github.com/quantarc/marketfeed/internal/perf"
	"github.com/quantarc/marketfeed/internal/publisher"
	"github.com/quantarc/marketfeed/internal/quality"
	"github.com/quantarc/marketfeed/internal/resilience"
	"github.com/quantarc/marketfeed/internal/source"
	"github.com/quantarc/marketfeed/internal/subscription"
	"github.com/quantarc/marketfeed/internal/telemetry"
	"github.com/quantarc/marketfeed/internal/wsconn"
	"github.com/quantarc/marketfeed/internal/wsproto"
	"github.com/quantarc/marketfeed/internal/wsserver"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	maxProcs := runtime.GOMAXPROCS(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "marketfeed: config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, FilePath: cfg.LogFilePath, ServiceName: "marketfeed"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "marketfeed: logging: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Int("gomaxprocs", maxProcs).Str("environment", cfg.Environment).Msg("starting marketfeed")

	app, err := build(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build application")
	}

	app.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	app.Shutdown(cfg.ShutdownTimeout)
}

// app bundles every long-lived component so Start/Shutdown have one place
// to sequence them; nothing outside main constructs one.
type app struct {
	logger zerolog.Logger

	cache        *histcache.Cache
	strategy     *cachestrategy.Strategy
	conns        *wsconn.Manager
	heartbeatSup *heartbeat.Supervisor
	router       *wsproto.Router
	wsAccept     *wsserver.Server
	pub          *publisher.Publisher
	gcHinter     *perf.GCHinter
	pool         *perf.WorkerPool
	httpSrv      *httpapi.Server
	bus          *natsbus.Bus
}

// build constructs every collaborator and wires them together, breaking
// the wsconn/wsproto/heartbeat construction cycle via Manager's optional
// setters (Design Note in DESIGN.md's "Wiring fixes" section).
func build(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	registry := bar.NewRegistry(time.UTC, 0)
	normalizer := normalize.NewNormalizer(time.UTC)

	// telemetry.New needs the resilience handler, but the handler needs
	// telemetry as its AlertSink — the same construction cycle as C10/C11/
	// C13, broken the same way: build the handler against a thin
	// indirection now, point it at the real Telemetry once built.
	var tel *telemetry.Telemetry
	alertSink := &lazyAlertSink{}
	resilienceHandler := resilience.NewHandler(resilience.DefaultStrategies(), alertSink)

	// cache needs a TTLAdjuster (cachestrategy.Strategy), which needs the
	// historical engine as its PrewarmFetcher, which needs the cache:
	// construct the cache with no adjuster, build engine and strategy
	// against it, then patch the adjuster in via histcache's setter.
	cache := histcache.New(int64(cfg.CacheMemoryCapMB)*1024*1024, nil)

	var src source.BarSource = source.NewMockSource(registry)
	var tickSrc source.TickSource = source.NewMockSource(registry)

	engine := historical.New(src, normalizer, registry, cache, resilienceHandler, quality.DefaultConfig())
	strategy := cachestrategy.New(engine)
	cache.SetTTLAdjuster(strategy)
	engine.SetAccessRecorder(strategy)

	subs := subscription.New(cfg.MaxSubscriptionsPerClient)

	connCfg := wsconn.Config{
		MaxConnections: cfg.MaxConnections,
		SendQueueSize:  cfg.SendQueueSize,
		MaxMessageSize: cfg.MaxMessageSize,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    90 * time.Second,
	}
	conns := wsconn.New(connCfg, nil, nil, nil, nil)

	heartbeatCfg := heartbeat.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Timeout:           cfg.HeartbeatTimeout,
		MaxMissed:         cfg.HeartbeatMaxMissed,
		ReconnectWindow:   cfg.ReconnectWindow,
	}
	heartbeatSup := heartbeat.New(heartbeatCfg, conns)

	tel = telemetry.New(telemetry.DefaultThresholds(), cache, conns, resilienceHandler)
	alertSink.set(tel)

	protoCfg := wsproto.Config{
		CompressionThreshold: cfg.CompressionThreshold,
		EnableCompression:    cfg.EnableCompression,
		CompressedCacheSize:  cfg.CompressedCacheSize,
	}
	router := wsproto.New(protoCfg, subs, conns, heartbeatSup, tel)

	conns.SetDispatcher(router)

	var bus *natsbus.Bus
	pub := publisher.New(publisher.Config{UpdateInterval: cfg.PublishUpdateInterval, GracePeriod: cfg.PublishGracePeriod}, subs, tickSrc, router, resilienceHandler)
	router.SetPublisher(pub)
	conns.SetRevoker(router)
	if cfg.PublishBusEnabled {
		b, err := natsbus.Connect(natsbus.Config{
			URL:             cfg.NATSURL,
			MaxReconnects:   natsbus.DefaultConfig().MaxReconnects,
			ReconnectWait:   natsbus.DefaultConfig().ReconnectWait,
			ReconnectJitter: natsbus.DefaultConfig().ReconnectJitter,
			MaxPingsOut:     natsbus.DefaultConfig().MaxPingsOut,
			PingInterval:    natsbus.DefaultConfig().PingInterval,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats mirror bus unavailable, continuing without it")
		} else {
			bus = b
			pub.SetMirror(bus)
		}
	}

	wsAccept := wsserver.New(
		wsserver.Config{
			Host:                      cfg.WebSocketHost,
			Port:                      cfg.WebSocketPort,
			HeartbeatInterval:         cfg.HeartbeatInterval,
			MaxSubscriptionsPerClient: cfg.MaxSubscriptionsPerClient,
		},
		cfg.MaxConnections, conns, router, heartbeatSup, logger,
	)
	releaser := wsserver.NewSlotReleaser(wsAccept, heartbeatSup)
	conns.SetListener(releaser)

	workerCount := cfg.WorkerPoolSize
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0) * 4
	}
	queueSize := cfg.WorkerQueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	pool := perf.NewWorkerPool(workerCount, queueSize)

	gcHinter, err := perf.NewGCHinter(perf.GCConfig{Interval: cfg.GCInterval, Threshold: cfg.GCThresholdBytes})
	if err != nil {
		return nil, fmt.Errorf("marketfeed: gc hinter: %w", err)
	}

	httpHost, httpPort, err := splitHostPort(cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("marketfeed: HTTP_ADDR: %w", err)
	}
	httpSrv, err := httpapi.NewServer(
		httpapi.ServerConfig{Host: httpHost, Port: httpPort, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, IdleTimeout: 60 * time.Second, RequestTimeout: 10 * time.Second},
		engine, conns, router, tel, tel.Handler(), logger,
	)
	if err != nil {
		return nil, fmt.Errorf("marketfeed: http server: %w", err)
	}

	return &app{
		logger:       logger,
		cache:        cache,
		strategy:     strategy,
		conns:        conns,
		heartbeatSup: heartbeatSup,
		router:       router,
		wsAccept:     wsAccept,
		pub:          pub,
		gcHinter:     gcHinter,
		pool:         pool,
		httpSrv:      httpSrv,
		bus:          bus,
	}, nil
}

func (a *app) Start() {
	ctx := context.Background()
	a.cache.Start()
	a.strategy.Start(ctx)
	a.heartbeatSup.Start()
	a.pub.Start(ctx)
	a.pool.Start()
	a.gcHinter.Start(ctx)

	go func() {
		if err := a.wsAccept.Start(); err != nil {
			a.logger.Error().Err(err).Msg("websocket accept surface exited")
		}
	}()
	go func() {
		if err := a.httpSrv.Start(); err != nil {
			a.logger.Error().Err(err).Msg("http admin surface exited")
		}
	}()
}

// Shutdown implements spec §5's sequence: stop accepting new connections,
// broadcast a shutdown notice, wait up to timeout for clients to drain,
// then force-close anything left and stop the background loops.
func (a *app) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_ = a.wsAccept.Shutdown(ctx)
	_ = a.httpSrv.Shutdown(ctx)

	shutdownFrame, opCode, err := a.router.Encode(wsproto.OutboundEnvelope{
		Type:      "server_shutdown",
		Data:      map[string]any{"reason": "server is shutting down", "retry_after_seconds": int(timeout.Seconds())},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.NewString(),
	})
	if err == nil {
		a.conns.Broadcast(shutdownFrame, opCode, true, nil)
	}

	if !a.conns.DrainAll(timeout) {
		a.logger.Warn().Msg("drain timed out, force-closing remaining connections")
	}
	a.conns.CloseAll()

	a.pub.Stop()
	a.heartbeatSup.Stop()
	a.strategy.Stop()
	a.cache.Stop()
	a.pool.Stop()
	a.gcHinter.Stop()
	if a.bus != nil {
		a.bus.Close()
	}
	a.logger.Info().Msg("shutdown complete")
}

// lazyAlertSink exists because resilience.Handler must be built before
// telemetry.Telemetry (telemetry's constructor takes the handler), yet
// telemetry is itself the handler's AlertSink — the same construction-order
// problem C10/C11/C13 have, solved the same way: a thin indirection set
// once, read every time after.
type lazyAlertSink struct {
	sink resilience.AlertSink
}

func (s *lazyAlertSink) set(sink resilience.AlertSink) { s.sink = sink }

func (s *lazyAlertSink) CriticalAlert(category resilience.Category, scope string, err error) {
	if s.sink != nil {
		s.sink.CriticalAlert(category, scope, err)
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}
