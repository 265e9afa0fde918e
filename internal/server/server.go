// ABOUTME: Conversation server that owns the HTTP boundary and session lifecycle
// ABOUTME: Wires store, auth, flow, model pool, agent relay, dispatcher and archive together

package server

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
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/ria-gateway/internal/agent"
	"github.com/2389/ria-gateway/internal/archive"
	"github.com/2389/ria-gateway/internal/auth"
	"github.com/2389/ria-gateway/internal/config"
	"github.com/2389/ria-gateway/internal/dispatch"
	"github.com/2389/ria-gateway/internal/flow"
	"github.com/2389/ria-gateway/internal/interpreter"
	"github.com/2389/ria-gateway/internal/llm"
	"github.com/2389/ria-gateway/internal/script"
	"github.com/2389/ria-gateway/internal/session"
	"github.com/2389/ria-gateway/internal/store"
)

// ErrServerDisabled is returned by operations refused while the server is disabled.
var ErrServerDisabled = errors.New("server disabled")

// Server is the conversation server.
type Server struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	tokens     *auth.Registry
	sessions   *session.Table
	sweeper    *session.Sweeper
	archive    *archive.Writer
	models     *llm.Router
	agents     *agent.Relay
	dispatcher *dispatch.Dispatcher

	// sem bounds the number of dispatches in flight
	sem *semaphore.Weighted

	// flow is the current flow set; each session pins the set it started with
	flow    atomic.Pointer[flow.Set]
	enabled atomic.Bool

	// toggle serializes enable, disable and reload
	toggle sync.Mutex

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	redis       *redis.Client

	now func() time.Time
}

// Option customizes a Server.
type Option func(*options)

type options struct {
	store     store.Store
	completer llm.Completer
	transport agent.Transport
}

// WithStore uses st instead of opening the configured database.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithCompleter replaces the OpenAI-compatible model backend.
func WithCompleter(c llm.Completer) Option {
	return func(o *options) { o.completer = c }
}

// WithTransport replaces the HTTP agent transport.
func WithTransport(t agent.Transport) Option {
	return func(o *options) { o.transport = t }
}

// initStore opens the configured database.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RIA_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// LoadFlow loads the main flow file and logs references to missing nodes.
func LoadFlow(path string, logger *slog.Logger) (*flow.Set, error) {
	g, err := flow.Load(path)
	if err != nil {
		return nil, err
	}
	for _, d := range g.Dangling() {
		logger.Warn("flow references missing node", "path", path, "reference", d)
	}
	return flow.NewSet(g), nil
}

// New creates a Server. It loads the flow and the agent and model records
// and starts the session sweeper; Run starts serving.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st := o.store
	if st == nil {
		var err error
		if st, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.TokenSecret))
	if err != nil {
		return nil, err
	}

	set, err := LoadFlow(cfg.Flow.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("loading flow: %w", err)
	}

	s := &Server{
		config:   cfg,
		store:    st,
		logger:   logger.With("component", "server"),
		tokens:   auth.NewRegistry(verifier, cfg.Auth.TokenTTL),
		sessions: session.NewTable(),
		sem:      semaphore.NewWeighted(int64(cfg.Server.MaxConcurrency)),
		now:      time.Now,
	}
	s.flow.Store(set)

	ctx := context.Background()
	if cfg.Archive.RedisURL != "" {
		if s.redis, err = archive.NewRedis(ctx, cfg.Archive.RedisURL); err != nil {
			return nil, err
		}
	}
	archiveOpts := archive.Options{Dir: cfg.Archive.Dir, Key: cfg.Archive.RedisKey}
	if s.redis != nil {
		archiveOpts.Redis = s.redis
	}
	if s.archive, err = archive.New(archiveOpts, st, logger); err != nil {
		return nil, err
	}

	completer := o.completer
	if completer == nil {
		completer = llm.NewOpenAIBackend(cfg.Models.RequestTimeout, cfg.Models.Temperature)
	}
	transport := o.transport
	if transport == nil {
		transport = agent.NewHTTPTransport(cfg.Agents.RequestTimeout)
	}

	clients, endpoints, err := s.loadRecords(ctx)
	if err != nil {
		return nil, err
	}

	scripts := script.NewEngine(cfg.Flow.ScriptTimeout, logger)
	s.models = llm.NewRouter(clients, completer, llm.Options{
		ContextLines:     cfg.Models.ContextLines,
		MaxQueryLength:   cfg.Models.MaxQueryLength,
		RequestTimeout:   cfg.Models.RequestTimeout,
		NormalTurnaround: cfg.Models.NormalTurnaround,
		SlowFactor:       cfg.Models.SlowFactor,
		Model:            cfg.Models.Model,
		APIKey:           cfg.Models.APIKey,
	}, logger)
	s.agents = agent.NewRelay(endpoints, transport, logger)
	s.dispatcher = dispatch.New(interpreter.New(scripts, logger), s.models, s.agents, scripts, logger)

	s.sweeper = session.NewSweeper(s.sessions, cfg.Sessions.SweepInterval, s.evict, logger)
	s.enabled.Store(true)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	s.logger.Info("server ready",
		"locale", set.Main().Locale,
		"nodes", set.Main().Len(),
		"model_clients", len(clients),
		"agents", len(endpoints),
	)
	return s, nil
}

// loadRecords reads the model pool and agent ring from the store.
func (s *Server) loadRecords(ctx context.Context) ([]*llm.Client, []*agent.Endpoint, error) {
	mcs, err := s.store.ListModelClients(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading model clients: %w", err)
	}
	clients := make([]*llm.Client, 0, len(mcs))
	for _, mc := range mcs {
		if !mc.Enabled {
			continue
		}
		clients = append(clients, &llm.Client{
			ID:       mc.ID,
			URL:      mc.URL,
			Provider: mc.Provider,
			Group:    mc.Group,
			Enabled:  mc.Enabled,
		})
	}

	ags, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading agents: %w", err)
	}
	endpoints := make([]*agent.Endpoint, 0, len(ags))
	for _, a := range ags {
		endpoints = append(endpoints, &agent.Endpoint{
			ID:      a.ID,
			Name:    a.Name,
			URL:     a.URL,
			Group:   a.Group,
			Enabled: a.Enabled,
			Removed: a.Removed,
		})
	}
	return clients, endpoints, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Enabled reports whether the server accepts conversations.
func (s *Server) Enabled() bool {
	return s.enabled.Load()
}

// Reload re-reads the flow file and the agent and model records. Live
// sessions keep the flow they started with; new sessions get the new one.
func (s *Server) Reload(ctx context.Context) error {
	s.toggle.Lock()
	defer s.toggle.Unlock()
	return s.reload(ctx)
}

func (s *Server) reload(ctx context.Context) error {
	set, err := LoadFlow(s.config.Flow.Path, s.logger)
	if err != nil {
		return fmt.Errorf("loading flow: %w", err)
	}
	clients, endpoints, err := s.loadRecords(ctx)
	if err != nil {
		return err
	}

	s.flow.Store(set)
	s.models.Replace(clients)
	s.agents.Replace(endpoints)
	s.logger.Info("reloaded", "locale", set.Main().Locale, "nodes", set.Main().Len(), "sessions", s.sessions.Len())
	return nil
}

// SetEnabled turns the server on or off. Disabling archives every live
// session, finished or not, and revokes all website tokens. Enabling
// reloads the flow and records first.
func (s *Server) SetEnabled(ctx context.Context, enabled bool) (archived int, err error) {
	s.toggle.Lock()
	defer s.toggle.Unlock()

	if enabled {
		if err := s.reload(ctx); err != nil {
			return 0, err
		}
		s.enabled.Store(true)
		s.logger.Info("server enabled")
		return 0, nil
	}

	s.enabled.Store(false)
	s.tokens.Clear()
	archived = s.archive.ArchiveAll(ctx, s.sessions.Drain(ctx))
	s.logger.Info("server disabled", "archived", archived)
	return archived, nil
}

// evict archives sessions removed by the sweeper.
func (s *Server) evict(sessions []*session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n := s.archive.ArchiveAll(ctx, sessions)
	s.logger.Info("evicted sessions", "count", len(sessions), "archived", n)
}

// setupTCPListener creates the standard TCP listener.
func (s *Server) setupTCPListener() (net.Listener, error) {
	s.logger.Info("starting server", "http_addr", s.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// Run serves until ctx is canceled, then shuts down gracefully.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "ria-gateway", "tailscale"), nil
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

// setupTailscaleListener brings up a tsnet node and listens on it.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	return s.createTailscaleListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleListener picks funnel, TLS or plain HTTP on the tailnet.
func (s *Server) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		s.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := s.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := s.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops serving, archives every live session and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.sweeper.Close()
	if n := s.archive.ArchiveAll(ctx, s.sessions.Drain(ctx)); n > 0 {
		s.logger.Info("archived live sessions", "count", n)
	}

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	if s.redis != nil {
		errs = appendCloseError(errs, "redis close", s.redis.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
