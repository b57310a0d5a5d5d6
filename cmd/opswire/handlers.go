package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/opswire/internal/client"
	"github.com/haasonsaas/opswire/internal/config"
	"github.com/haasonsaas/opswire/internal/gateway"
	"github.com/haasonsaas/opswire/internal/identity"
	"github.com/haasonsaas/opswire/internal/notify"
	"github.com/haasonsaas/opswire/internal/observability"
)

// =============================================================================
// Shared Helpers
// =============================================================================

// loadConfig loads the file selected by --config, $OPSWIRE_CONFIG or the
// default location. A missing file at the default location falls back to
// the built-in defaults; an explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(explicit)

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) && strings.TrimSpace(explicit) == "" && os.Getenv(config.EnvConfigPath) == "" {
			defaults := config.Default()
			return &defaults, path, nil
		}
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	return logger
}

func newTracer(cfg *config.Config, service string) (*observability.Tracer, func(context.Context) error) {
	return observability.NewTracer(observability.TraceConfig{
		ServiceName:    service,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// serveHTTP runs handler on addr until ctx is done.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) (<-chan error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("starting http server", "addr", listener.Addr().String())
	return errCh, nil
}

// =============================================================================
// Connect Command Handler
// =============================================================================

func runConnect(cmd *cobra.Command, opts connectOptions) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyConnectOverrides(cfg, opts)

	logger := newLogger(cfg, opts.debug)
	logger.Info("starting operator console", "version", version, "config", path, "environment", cfg.Environment)

	op, err := cfg.ResolveOperator()
	if err != nil {
		return err
	}

	tracer, shutdownTracer := newTracer(cfg, "opswire-console")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthz)
		if _, err := serveHTTP(ctx, addr, mux, logger); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	c, err := client.New(*cfg, client.Options{
		Notifier: notify.NewConsole(out, opts.noColor),
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	if err != nil {
		return err
	}
	defer c.OnTeardown()

	if err := c.Login(op); err != nil {
		return err
	}
	return runConsole(ctx, cmd.InOrStdin(), out, c)
}

func applyConnectOverrides(cfg *config.Config, opts connectOptions) {
	if v := strings.TrimSpace(opts.environment); v != "" {
		cfg.Environment = v
		cfg.Gateway.URL = ""
	}
	if v := strings.TrimSpace(opts.url); v != "" {
		cfg.Gateway.URL = v
	}
	if v := strings.TrimSpace(opts.section); v != "" {
		cfg.Presence.InitialSection = v
	}
	if v := strings.TrimSpace(opts.token); v != "" {
		cfg.Operator.Token = v
		cfg.Operator.TokenFile = ""
	}
	if v := strings.TrimSpace(opts.id); v != "" {
		cfg.Operator.ID = v
	}
	if v := strings.TrimSpace(opts.name); v != "" {
		cfg.Operator.Name = v
	}
	if v := strings.TrimSpace(opts.role); v != "" {
		cfg.Operator.Role = v
	}
}

// =============================================================================
// Gateway Command Handler
// =============================================================================

func runGateway(cmd *cobra.Command, opts gatewayOptions) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(opts.listen); v != "" {
		cfg.Server.Listen = v
	}
	if v := strings.TrimSpace(opts.path); v != "" {
		cfg.Server.Path = v
	}
	if v := strings.TrimSpace(opts.demo); v != "" {
		cfg.Server.DemoSchedule = v
	}

	logger := newLogger(cfg, opts.debug)
	logger.Info("starting development gateway", "version", version, "config", path)

	tracer, shutdownTracer := newTracer(cfg, "opswire-gateway")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var tokens *identity.TokenService
	if secret := strings.TrimSpace(cfg.Server.TokenSecret); secret != "" {
		tokens = identity.NewTokenService(secret, cfg.Server.TokenExpiry)
	} else {
		logger.Warn("server.token_secret not set; accepting unauthenticated sessions")
	}

	srv := gateway.New(gateway.Options{
		Tokens:    tokens,
		RateLimit: cfg.Server.RateLimit,
		Logger:    logger,
		Metrics:   observability.NewMetrics(prometheus.DefaultRegisterer),
		Tracer:    tracer,
	})
	defer srv.Close()

	if schedule := strings.TrimSpace(cfg.Server.DemoSchedule); schedule != "" {
		demo, err := gateway.NewDemo(srv, schedule, logger)
		if err != nil {
			return err
		}
		demo.Start()
		defer demo.Stop()
		logger.Info("demo alerts enabled", "schedule", schedule)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, srv)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthz)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh, err := serveHTTP(ctx, cfg.Server.Listen, mux, logger)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		logger.Info("shutting down development gateway")
		return nil
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// =============================================================================
// Token Command Handlers
// =============================================================================

func runTokenIssue(cmd *cobra.Command, opts tokenOptions) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	secret := strings.TrimSpace(opts.secret)
	if secret == "" {
		secret = strings.TrimSpace(cfg.Server.TokenSecret)
	}
	if secret == "" {
		return fmt.Errorf("a signing secret is required (--secret or server.token_secret)")
	}
	expiry := opts.expiry
	if expiry == 0 {
		expiry = cfg.Server.TokenExpiry
	}

	token, err := identity.NewTokenService(secret, expiry).Issue(identity.Operator{
		ID:   opts.id,
		Name: opts.name,
		Role: opts.role,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runTokenInspect(cmd *cobra.Command, token, secret string) error {
	var (
		op  identity.Operator
		err error
	)
	verified := strings.TrimSpace(secret) != ""
	if verified {
		op, err = identity.NewTokenService(secret, 0).Verify(strings.TrimSpace(token))
	} else {
		op, err = identity.FromToken(strings.TrimSpace(token))
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:       %s\n", op.ID)
	fmt.Fprintf(out, "name:     %s\n", op.Name)
	fmt.Fprintf(out, "role:     %s\n", op.Role)
	fmt.Fprintf(out, "verified: %t\n", verified)
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command) error {
	explicit, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(explicit)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	endpoint, _ := cfg.Endpoint()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (environment %s, gateway %s)\n", path, cfg.Environment, endpoint)
	return nil
}

func runConfigInit(cmd *cobra.Command, force bool) error {
	explicit, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(explicit)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	cfg := config.Default()
	if err := config.Write(path, &cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
