// ABOUTME: Gateway orchestrator that wires the Matrix bridge, conversation core, and MCP server
// ABOUTME: Manages listener setup (TCP or Tailscale), health endpoints, and graceful shutdown

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
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/courier-mcp/courier/internal/auth"
	"github.com/courier-mcp/courier/internal/config"
	"github.com/courier-mcp/courier/internal/conversation"
	"github.com/courier-mcp/courier/internal/ledger"
	"github.com/courier-mcp/courier/internal/matrix"
	"github.com/courier-mcp/courier/internal/mcp"
	"github.com/courier-mcp/courier/internal/pending"
)

// Gateway orchestrates the courier server components.
// It manages the Matrix bridge for the human channel and the HTTP server
// exposing the MCP endpoint and health checks.
type Gateway struct {
	config       *config.Config
	conversation *conversation.Service
	bridge       *matrix.Bridge
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// mcpTokens maps opaque MCP access tokens to principal labels
	mcpTokens *mcp.TokenStore

	// mcpServer is the MCP-compatible HTTP server for LLM callers
	mcpServer *mcp.Server
}

// buildJWTVerifier creates a JWT verifier when a secret is configured.
// Returns nil (no error) when JWT auth is not in use.
func buildJWTVerifier(cfg *config.Config) (*auth.JWTVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return verifier, nil
}

// provisionTokens loads configured access tokens into the token store.
// Each configured token is bound to a generic "agent" principal.
func provisionTokens(cfg *config.Config, store *mcp.TokenStore, logger *slog.Logger) {
	for _, token := range cfg.Auth.AccessTokens {
		store.Add(token, "agent")
	}
	if len(cfg.Auth.AccessTokens) > 0 {
		logger.Info("provisioned MCP access tokens", "count", len(cfg.Auth.AccessTokens))
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	historyCapacity := cfg.Conversation.HistoryCapacity
	if historyCapacity == 0 {
		historyCapacity = ledger.DefaultCapacity
	}

	convService := conversation.New(conversation.Config{
		Ledger:           ledger.New(historyCapacity),
		Registry:         pending.NewRegistry(pending.ResolveNewest),
		AuthorizedSender: cfg.Matrix.AuthorizedUser,
		DefaultTimeout:   cfg.Conversation.DefaultWaitTimeout,
		SanitizeOutbound: cfg.Conversation.SanitizeOutbound,
		Logger:           logger.With("component", "conversation"),
	})

	bridge, err := matrix.NewBridge(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		RoomID:      cfg.Matrix.RoomID,
	}, convService.HandleInbound, logger.With("component", "matrix"))
	if err != nil {
		return nil, fmt.Errorf("creating matrix bridge: %w", err)
	}
	convService.SetTransport(bridge)

	jwtVerifier, err := buildJWTVerifier(cfg)
	if err != nil {
		return nil, err
	}

	mcpTokens := mcp.NewTokenStore()
	provisionTokens(cfg, mcpTokens, logger)

	gw := &Gateway{
		config:       cfg,
		conversation: convService,
		bridge:       bridge,
		logger:       logger.With("component", "gateway"),
		mcpTokens:    mcpTokens,
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	mcpCfg := mcp.Config{
		Conversation:   convService,
		Logger:         logger.With("component", "mcp"),
		TokenStore:     mcpTokens,
		RequireAuth:    cfg.Auth.Required,
		DefaultTimeout: cfg.Conversation.DefaultWaitTimeout,
	}
	if jwtVerifier != nil {
		mcpCfg.Verifier = jwtVerifier
	}
	mcpServer, err := mcp.NewServer(mcpCfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	gw.mcpServer = mcpServer
	gw.mcpServer.RegisterRoutes(mux)

	if !cfg.Auth.Required {
		logger.Warn("MCP auth disabled - endpoint accepts unauthenticated sessions")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Conversation exposes the conversation service, mainly for tests.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// Run starts the gateway and blocks until the context is canceled.
// It manages graceful shutdown of the HTTP server and Matrix bridge.
// Returns nil on graceful shutdown (context canceled), or an error if a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startComponents(ctx, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startComponents starts the HTTP server and Matrix bridge in goroutines.
func (g *Gateway) startComponents(ctx context.Context, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("starting matrix bridge", "room_id", g.config.Matrix.RoomID)
		if err := g.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("matrix bridge: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or component error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("component error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional component error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
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
	return filepath.Join(homeDir, ".local", "share", "courier", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
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
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway components and releases resources.
// Blocked waits are cancelled first so MCP callers get a terminal status
// before the HTTP server stops accepting responses.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.conversation.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.bridge.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the Matrix bridge has completed its first sync.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.bridge.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("matrix bridge not synced"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
