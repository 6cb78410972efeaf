package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/challenge"
	"github.com/nacorid/x402/config"
	"github.com/nacorid/x402/facilitator"
	"github.com/nacorid/x402/gateway"
	x402http "github.com/nacorid/x402/http"
	x402gin "github.com/nacorid/x402/http/gin"
	"github.com/nacorid/x402/internal/email"
	"github.com/nacorid/x402/ledger"
	x402mcp "github.com/nacorid/x402/mcp/server"
	"github.com/nacorid/x402/metrics"
	"github.com/nacorid/x402/pricing"
	"github.com/nacorid/x402/tools"
)

// enrichTimeout bounds the startup /supported query.
const enrichTimeout = 5 * time.Second

// App is a fully wired gateway.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Dispatcher *gateway.Dispatcher
	Ledger     ledger.Ledger
	Sweeper    *ledger.Sweeper
	Metrics    *metrics.PrometheusRecorder

	// Handler serves every route.
	Handler http.Handler

	closers []func()
}

// NewLogger returns a slog logger writing to w in the configured format.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewApp validates cfg and wires the gateway. Call Close when done.
func NewApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	timeouts := cfg.Timeouts.TimeoutConfig()

	payouts, err := newPayouts(cfg.Payouts)
	if err != nil {
		return nil, err
	}

	primary := x402http.NewFacilitatorClient(cfg.Facilitator.URL,
		x402http.WithAuthorization(cfg.Facilitator.Authorization),
		x402http.WithTimeouts(timeouts),
		x402http.WithRetries(cfg.Facilitator.MaxRetries, 0),
	)
	enrichCtx, cancel := context.WithTimeout(ctx, enrichTimeout)
	payouts, err = primary.EnrichPayouts(enrichCtx, payouts)
	cancel()
	if err != nil {
		logger.WarnContext(ctx, "facilitator capabilities unavailable, using configured payouts",
			"facilitator", cfg.Facilitator.URL, "error", err)
	}

	catalog, err := newCatalog(cfg.Prices)
	if err != nil {
		return nil, err
	}

	app.Ledger, err = app.newLedger(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}

	app.Metrics, err = metrics.NewPrometheusRecorder(nil)
	if err != nil {
		return nil, err
	}

	app.Sweeper = ledger.NewSweeper(app.Ledger, cfg.Ledger.SweepInterval, logger.With("component", "sweeper"))
	app.Sweeper.OnSweep = metrics.SweepCallback(app.Metrics)

	facOpts := []facilitator.ClientOption{
		facilitator.WithTimeouts(timeouts),
		facilitator.WithMaxTimeoutSeconds(cfg.Challenge.MaxTimeoutSeconds),
		facilitator.WithLogger(logger),
	}
	if cfg.Facilitator.FallbackURL != "" {
		fallback := x402http.NewFacilitatorClient(cfg.Facilitator.FallbackURL,
			x402http.WithAuthorization(cfg.Facilitator.FallbackAuthorization),
			x402http.WithTimeouts(timeouts),
			x402http.WithRetries(cfg.Facilitator.MaxRetries, 0),
		)
		facOpts = append(facOpts, facilitator.WithFallback(fallback))
	}
	facClient, err := facilitator.NewClient(primary, payouts, facOpts...)
	if err != nil {
		return nil, err
	}

	gen, err := challenge.NewGenerator(payouts, app.Ledger, cfg.Facilitator.URL,
		challenge.WithTTL(cfg.Challenge.TTL),
		challenge.WithMaxTimeoutSeconds(cfg.Challenge.MaxTimeoutSeconds),
	)
	if err != nil {
		return nil, err
	}

	app.Dispatcher, err = gateway.NewDispatcher(gateway.Config{
		Catalog:     catalog,
		Challenges:  gen,
		Facilitator: facClient,
		Ledger:      app.Ledger,
		Timeouts:    timeouts,
		OnEvent:     metrics.EventCallback(app.Metrics),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	mcpServer, err := x402mcp.NewX402Server(cfg.Title+" MCP Server", Version, &x402mcp.Config{
		Dispatcher: app.Dispatcher,
		Verbose:    logger.Enabled(ctx, slog.LevelDebug),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	mcpServer.AddTool(tools.PricingDefinition(), tools.PricingHandler(catalog, payouts))

	if cfg.Email.APIKey == "" {
		logger.WarnContext(ctx, "RESEND_API_KEY is not set; paid send_email calls will fail")
	}
	sender := email.NewClient(cfg.Email.APIKey, cfg.Email.From, cfg.Email.BaseURL)
	sendEmail, err := tools.SendEmail(config.SendEmailTool, sender, cfg.Email.Recipients)
	if err != nil {
		return nil, err
	}
	if err := mcpServer.AddPayableTool(tools.SendEmailDefinition(config.SendEmailTool), sendEmail); err != nil {
		return nil, err
	}

	mcpHandler, err := mcpServer.Handler()
	if err != nil {
		return nil, err
	}
	app.Handler = app.router(mcpHandler, x402http.NewToolServer(app.Dispatcher, logger), catalog, payouts)
	return app, nil
}

func (a *App) router(mcpHandler http.Handler, toolServer *x402http.ToolServer, catalog *pricing.Catalog, payouts *pricing.PayoutTable) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), x402gin.NewRequestLogger(a.Logger))

	r.Any("/mcp", gin.WrapH(mcpHandler))
	r.POST("/tools/:name", x402gin.ToolHandler(toolServer))
	r.GET("/pricing", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"title":       a.Config.Title,
			"description": a.Config.Description,
			"tools":       tools.Prices(catalog, payouts),
		})
	})
	r.GET("/metrics", gin.WrapH(a.Metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func (a *App) newLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Ledger, error) {
	switch cfg.Backend {
	case config.LedgerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return ledger.NewRedis(client, ledger.WithRedisRetention(cfg.Retention)), nil
	case config.LedgerPostgres:
		pg, err := ledger.NewPostgres(ctx, cfg.PostgresDSN, ledger.WithPostgresRetention(cfg.Retention))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil
	default:
		return ledger.NewMemory(ledger.WithMemoryRetention(cfg.Retention)), nil
	}
}

func newPayouts(cfgs []config.PayoutConfig) (*pricing.PayoutTable, error) {
	entries := make([]pricing.PayoutEntry, 0, len(cfgs))
	for _, p := range cfgs {
		entries = append(entries, pricing.PayoutEntry{
			Network:  p.Network,
			Address:  p.Address,
			Asset:    p.Asset,
			Decimals: p.Decimals,
		})
	}
	return pricing.NewPayoutTable(entries...)
}

func newCatalog(prices map[string]string) (*pricing.Catalog, error) {
	parsed := make(map[string]x402.Price, len(prices))
	for tool, s := range prices {
		p, err := x402.ParsePrice(s)
		if err != nil {
			return nil, x402.NewInvocationError(x402.ErrCodeConfiguration, "price of "+tool, err)
		}
		parsed[tool] = p
	}
	return pricing.NewCatalog(parsed)
}

// Run serves on the configured address and sweeps the ledger until ctx is
// cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.Sweeper.Run(sweepCtx)

	srv := &http.Server{
		Addr:              a.Config.ListenAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.InfoContext(ctx, "x402 gateway listening",
			"addr", a.Config.ListenAddr,
			"ledger", a.Config.Ledger.Backend,
			"facilitator", a.Config.Facilitator.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Timeouts.Settle+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases ledger connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
