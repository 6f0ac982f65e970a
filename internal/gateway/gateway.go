// ABOUTME: Gateway orchestrator that wires sessions, engine, store and servers together
// ABOUTME: Manages the HTTP and gRPC health servers, tailnet listeners and shutdown order

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/term"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/session-gateway/internal/config"
	"github.com/2389/session-gateway/internal/dedupe"
	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/events"
	"github.com/2389/session-gateway/internal/session"
	"github.com/2389/session-gateway/internal/store"
)

const (
	// tailnetGRPCPort is where the health service listens when tailscale is enabled.
	tailnetGRPCPort = ":50051"

	defaultDedupeTTL = 5 * time.Minute
)

// Gateway orchestrates the session-gateway server components.
type Gateway struct {
	config      *config.Config
	presence    store.PresenceStore
	db          *store.SQLiteStore // nil when no database is configured
	audit       store.AuditLog     // nil disables the audit log
	engine      engine.Engine
	broadcaster *events.EventBroadcaster
	dedupe      *dedupe.Window
	coordinator *session.Coordinator
	router      *session.Router
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// qrOut receives rendered auth challenges; nil disables rendering.
	qrOut io.Writer

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
	shutdown    sync.Once
}

// Option customizes a Gateway built by New.
type Option func(*Gateway)

// WithEngine replaces the engine selected by engine.kind.
func WithEngine(e engine.Engine) Option {
	return func(g *Gateway) {
		g.engine = e
	}
}

// WithQROutput renders auth challenges to w regardless of events.qr_terminal.
func WithQROutput(w io.Writer) Option {
	return func(g *Gateway) {
		g.qrOut = w
	}
}

// initStores opens the SQLite database when one is configured and picks the
// presence backend. The returned db may be nil; presence never is.
func initStores(ctx context.Context, cfg *config.Config) (store.PresenceStore, *store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SESSION_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	var db *store.SQLiteStore
	if dbPath != "" {
		var err error
		db, err = store.NewSQLiteStoreWithDriver(cfg.Database.Driver, dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing store: %w", err)
		}
	}

	switch cfg.Presence.Backend {
	case config.PresenceBackendRedis:
		rs, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:      cfg.Presence.Redis.Addr,
			Password:  cfg.Presence.Redis.Password,
			DB:        cfg.Presence.Redis.DB,
			KeyPrefix: cfg.Presence.Redis.KeyPrefix,
		})
		if err != nil {
			closeDB(db)
			return nil, nil, fmt.Errorf("initializing presence store: %w", err)
		}
		return rs, db, nil
	case config.PresenceBackendMemory:
		return store.NewMockStore(), db, nil
	default:
		if db == nil {
			return nil, nil, errors.New("sqlite presence backend requires database.path")
		}
		return db, db, nil
	}
}

func closeDB(db *store.SQLiteStore) {
	if db != nil {
		_ = db.Close()
	}
}

// initEngine builds the engine named by engine.kind.
func initEngine(cfg *config.Config, db *store.SQLiteStore, logger *slog.Logger) (engine.Engine, error) {
	switch cfg.Engine.Kind {
	case config.EngineFake:
		f := engine.NewFake()
		f.AutoChallenge = true
		logger.Warn("using the fake engine; sessions only change state through /sso/callback")
		return f, nil
	default:
		if db == nil {
			return nil, errors.New("matrix engine requires database.path for credentials")
		}
		return engine.NewMatrix(engine.MatrixConfig{
			Homeserver:  cfg.Engine.Matrix.Homeserver,
			CallbackURL: cfg.Engine.Matrix.CallbackURL,
			DeviceName:  cfg.Engine.Matrix.DeviceName,
			Markdown:    cfg.Engine.Matrix.Markdown,
		}, db, logger), nil
	}
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// stdoutIsTerminal reports whether QR codes printed to stdout would be seen.
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	presence, db, err := initStores(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		presence: presence,
		db:       db,
		logger:   logger.With("component", "gateway"),
	}
	if db != nil {
		gw.audit = db
	}
	for _, opt := range opts {
		opt(gw)
	}

	if gw.engine == nil {
		gw.engine, err = initEngine(cfg, db, logger)
		if err != nil {
			gw.closeStores()
			return nil, err
		}
	}
	if gw.qrOut == nil && cfg.Events.QRTerminal && stdoutIsTerminal() {
		gw.qrOut = os.Stdout
	}

	dedupeTTL := cfg.Sessions.MessageDedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = defaultDedupeTTL
	}
	gw.broadcaster = events.NewEventBroadcaster(cfg.Events.SubscriberBuffer, logger)
	gw.dedupe = dedupe.New(dedupeTTL, dedupe.DefaultMaxSize)

	registry := session.NewRegistry(logger)
	gw.coordinator = session.NewCoordinator(session.Config{
		Registry:    registry,
		Engine:      gw.engine,
		Presence:    presence,
		Publisher:   gw.broadcaster,
		Inbound:     gw.dedupe,
		AuthEnabled: cfg.Sessions.AuthEnabled,
		SingleShot:  cfg.Sessions.SingleShot,
		Logger:      logger,
	})
	gw.router = session.NewRouter(registry, cfg.Sessions.RecipientSuffix, logger)

	gw.health = health.NewServer()
	gw.grpcServer = createGRPCServer(gw.health)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	gw.watchCancel = cancel
	gw.startWatchers(watchCtx)

	return gw, nil
}

// Coordinator returns the lifecycle coordinator.
func (g *Gateway) Coordinator() *session.Coordinator {
	return g.coordinator
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC. grpcLn is nil when server.grpc_addr is empty.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "session-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener(grpcLn)
		if err != nil {
			return nil, nil, err
		}
		return grpcLn, httpLn, nil
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeStores closes the presence store and the database, once each.
func (g *Gateway) closeStores() error {
	var errs []error
	if g.presence != nil && g.presence != store.PresenceStore(g.db) {
		errs = appendCloseError(errs, "presence store close", g.presence.Close())
	}
	if g.db != nil {
		errs = appendCloseError(errs, "database close", g.db.Close())
	}
	return errors.Join(errs...)
}

// Shutdown stops the servers, releases every engine session and closes the
// stores. Calling it more than once is a no-op.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.shutdown.Do(func() {
		err = g.shutdownOnce(ctx)
	})
	return err
}

func (g *Gateway) shutdownOnce(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	// Presence writes made while releasing sessions still need the stores.
	errs = appendCloseError(errs, "coordinator close", g.coordinator.Close(ctx))

	g.broadcaster.Close()
	g.watchCancel()
	g.watchWG.Wait()
	g.dedupe.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if err := g.closeStores(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the presence store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.presence.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("presence store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.coordinator.Registry().Len())
}
