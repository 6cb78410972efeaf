package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nacorid/x402/config"
)

// ServeOptions holds flags for the serve command. Flags that are set
// override the config file and the environment.
type ServeOptions struct {
	*RootOptions
	Listen    string
	LogLevel  string
	LogFormat string
	Ledger    string

	// Lookup reads the environment. Nil means os.LookupEnv.
	Lookup config.LookupFunc
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway until SIGINT or SIGTERM.

Configuration is read from defaults, the optional --config file, then the
environment (FACILITATOR_URL, TOOL_PRICE_SEND_EMAIL, EVM_ADDRESS,
SVM_ADDRESS, RECIPIENT_EMAIL, RESEND_API_KEY, ...). Flags win over all.

Example:
  x402-gateway serve --config gateway.yaml
  RECIPIENT_EMAIL=ops@example.com x402-gateway serve --listen :9000 --ledger redis`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default :8080)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")
	cmd.Flags().StringVar(&opts.Ledger, "ledger", "", "ledger backend (memory|redis|postgres)")

	return cmd
}

// load resolves the configuration for cmd.
func (o *ServeOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath, o.Lookup)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = o.Listen
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.LogFormat
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Backend = o.Ledger
	}
	return cfg, cfg.Validate()
}

func serve(cmd *cobra.Command, cfg config.Config) error {
	logger := NewLogger(cfg.Log, cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}
