// ABOUTME: Gateway orchestrator that coordinates the gRPC health and HTTP API servers
// ABOUTME: Wires store, session leases, provider adapters and the conversation service

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/lease"
	"github.com/2389/parley-gateway/internal/model"
	"github.com/2389/parley-gateway/internal/speech"
	"github.com/2389/parley-gateway/internal/store"
)

// healthService is the gRPC health service name reported alongside the server-wide status.
const healthService = "parley.Gateway"

// Adapters are the external providers a Gateway talks to.
// Transcriber and Synthesizer may be nil when voice is disabled.
type Adapters struct {
	Completer   model.Completer
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
}

// Gateway orchestrates the parley-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	locker       lease.Locker
	conversation *conversation.Service
	events       *conversation.EventBroadcaster
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// closers run after the servers stop, in order
	closers []namedCloser

	shutdownOnce sync.Once
	shutdownErr  error
}

type namedCloser struct {
	label string
	close func() error
}

// initStore opens the configured database. PARLEY_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	driver := cfg.Database.Driver
	if driver == "" {
		driver = store.DriverModernc
	}

	s, err := store.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newLocker builds the session lease backend named by session.lease_backend.
func newLocker(ctx context.Context, cfg *config.Config, s store.Store, logger *slog.Logger) (lease.Locker, func() error, error) {
	switch cfg.Session.LeaseBackend {
	case config.LeaseBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		locker := lease.NewRedisLocker(client, cfg.Redis.KeyPrefix, cfg.Session.LeaseTTL, logger)
		logger.Info("session leases in redis", "addr", cfg.Redis.Addr)
		return locker, locker.Close, nil
	default:
		logger.Info("session leases in store")
		return lease.NewStoreLocker(s, cfg.Session.LeaseTTL, logger), nil, nil
	}
}

// newAdapters builds the OpenAI-compatible provider adapters from config.
func newAdapters(cfg *config.Config, logger *slog.Logger) (Adapters, error) {
	var budget *model.TokenBudget
	if cfg.Model.MaxContextTokens > 0 {
		b, err := model.NewTokenBudget(cfg.Model.MaxContextTokens)
		if err != nil {
			return Adapters{}, fmt.Errorf("loading tokenizer: %w", err)
		}
		budget = b
	}

	adapters := Adapters{
		Completer: model.NewOpenAICompleter(model.Config{
			BaseURL:    cfg.Model.BaseURL,
			APIKey:     cfg.Model.APIKey,
			Identifier: cfg.Model.Identifier,
			Budget:     budget,
		}, logger),
	}

	if cfg.Transcriber.Enabled {
		adapters.Transcriber = speech.NewOpenAITranscriber(
			speech.ClientConfig{BaseURL: cfg.Transcriber.BaseURL, APIKey: cfg.Transcriber.APIKey},
			cfg.Transcriber.Model, cfg.Transcriber.Language, logger)
	} else {
		logger.Warn("transcriber disabled - voice turns will fail")
	}

	if cfg.Synthesizer.Enabled {
		adapters.Synthesizer = speech.NewOpenAISynthesizer(
			speech.ClientConfig{BaseURL: cfg.Synthesizer.BaseURL, APIKey: cfg.Synthesizer.APIKey},
			cfg.Synthesizer.Model, cfg.Synthesizer.VoiceProfile, cfg.Synthesizer.Format, logger)
	} else {
		logger.Warn("synthesizer disabled - voice replies will be text only")
	}

	return adapters, nil
}

// createGRPCServer creates the gRPC server carrying the standard health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
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
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	return server, hs
}

// New creates a Gateway from configuration, opening the store and building
// OpenAI-compatible adapters.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	adapters, err := newAdapters(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw, err := NewWithAdapters(cfg, s, adapters, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithAdapters creates a Gateway over an open store and explicit adapters.
// The Gateway takes ownership of s and closes it on Shutdown.
func NewWithAdapters(cfg *config.Config, s store.Store, adapters Adapters, logger *slog.Logger) (*Gateway, error) {
	locker, closeLocker, err := newLocker(context.Background(), cfg, s, logger)
	if err != nil {
		return nil, err
	}

	events := conversation.NewEventBroadcaster(logger)
	svc := conversation.New(conversation.Deps{
		Store:       s,
		Locker:      locker,
		Completer:   adapters.Completer,
		Transcriber: adapters.Transcriber,
		Synthesizer: adapters.Synthesizer,
		Events:      events,
	}, conversation.Options{
		MaxRetryAttempts:  cfg.Model.MaxRetryAttempts,
		RetryBackoff:      cfg.Model.RetryBackoff,
		TranscribeTimeout: cfg.Transcriber.Timeout,
		CompleteTimeout:   cfg.Model.Timeout,
		SynthesizeTimeout: cfg.Synthesizer.Timeout,
		VoiceProfile:      cfg.Synthesizer.VoiceProfile,
	}, logger)

	grpcServer, hs := createGRPCServer()

	gw := &Gateway{
		config:       cfg,
		store:        s,
		locker:       locker,
		conversation: svc,
		events:       events,
		grpcServer:   grpcServer,
		health:       hs,
		logger:       logger.With("component", "gateway"),
	}
	if closeLocker != nil {
		gw.closers = append(gw.closers, namedCloser{"lease backend", closeLocker})
	}
	gw.closers = append(gw.closers, namedCloser{"store", s.Close})

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.registerHTTPAPIRoutes(mux, cfg, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerHTTPAPIRoutes mounts the JSON API under /api/, behind JWT auth when a secret is configured.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) {
	api := g.apiRoutes()
	if cfg.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(api))
		logger.Info("HTTP auth middleware enabled")
		return
	}
	mux.Handle("/api/", api)
	logger.Warn("HTTP auth disabled - no jwt_secret configured")
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
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

// Run starts the gateway servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	if err := eg.Wait(); err != nil {
		g.logger.Error("gateway stopped with error", "error", err)
		return err
	}
	return nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "parley-gateway", "tailscale"), nil
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

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
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

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
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

// Shutdown stops both servers and releases resources. Safe to call more than once.
// In-flight cycles finish before the store closes, bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		g.health.Shutdown()

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.shutdownGRPCServer(ctx)

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}

		g.events.Close()
		for _, c := range g.closers {
			errs = appendCloseError(errs, c.label+" close", c.close())
		}

		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	agents, err := g.store.ListAgents(ctx)
	if err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}
