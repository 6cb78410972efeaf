// Package config loads the gateway configuration. Sources apply in order of
// increasing precedence: defaults, an optional YAML file, the environment.
// Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/validation"
)

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

// Defaults of the reference email deployment.
const (
	DefaultListenAddr     = ":8080"
	DefaultFacilitatorURL = "https://facilitator.payai.network"
	DefaultEmailPrice     = "$0.005"
	DefaultEVMAddress     = "0xc9343113c791cB5108112CFADa453Eef89a2E2A2"
	DefaultSVMAddress     = "4VQeAqyPxR9pELndskj38AprNj1btSgtaCrUci8N4Mdg"
	DefaultResendFrom     = "no-reply@example.com"
	DefaultResendBaseURL  = "https://api.resend.com"

	// SendEmailTool is the name of the priced email tool.
	SendEmailTool = "send_email"
)

// Config is the complete gateway configuration. It is loaded once at
// startup and passed by value.
type Config struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`

	ListenAddr string `yaml:"listen_addr" validate:"required"`

	Facilitator FacilitatorConfig `yaml:"facilitator"`

	// Prices maps tool names to USD prices such as "$0.005".
	Prices map[string]string `yaml:"prices" validate:"required,min=1"`

	Payouts []PayoutConfig `yaml:"payouts" validate:"required,min=1,dive"`

	Timeouts Timeouts `yaml:"timeouts"`

	Challenge ChallengeConfig `yaml:"challenge"`

	Ledger LedgerConfig `yaml:"ledger"`

	Log LogConfig `yaml:"log"`

	Email EmailConfig `yaml:"email"`
}

// FacilitatorConfig locates the primary and optional fallback facilitator.
type FacilitatorConfig struct {
	URL                   string `yaml:"url" validate:"required,url"`
	Authorization         string `yaml:"authorization"`
	FallbackURL           string `yaml:"fallback_url" validate:"omitempty,url"`
	FallbackAuthorization string `yaml:"fallback_authorization"`
	MaxRetries            int    `yaml:"max_retries" validate:"gte=0"`
}

// PayoutConfig is one network the operator accepts payment on.
type PayoutConfig struct {
	Network string `yaml:"network" validate:"required"`
	Address string `yaml:"address" validate:"required"`

	// Asset and Decimals default to the network's USDC.
	Asset    string `yaml:"asset"`
	Decimals int    `yaml:"decimals" validate:"gte=0"`
}

// Timeouts mirrors x402.TimeoutConfig with YAML durations.
type Timeouts struct {
	Verify  time.Duration `yaml:"verify" validate:"gt=0"`
	Settle  time.Duration `yaml:"settle" validate:"gt=0"`
	Handler time.Duration `yaml:"handler" validate:"gt=0"`
	Request time.Duration `yaml:"request" validate:"gt=0"`
}

// TimeoutConfig converts t to the library type.
func (t Timeouts) TimeoutConfig() x402.TimeoutConfig {
	return x402.TimeoutConfig{
		VerifyTimeout:  t.Verify,
		SettleTimeout:  t.Settle,
		HandlerTimeout: t.Handler,
		RequestTimeout: t.Request,
	}
}

// ChallengeConfig controls issued challenges.
type ChallengeConfig struct {
	// TTL is how long a nonce stays claimable.
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`

	// MaxTimeoutSeconds is the authorization window offered to payers.
	MaxTimeoutSeconds int `yaml:"max_timeout_seconds" validate:"gt=0"`
}

// LedgerConfig selects and configures the nonce ledger.
type LedgerConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory redis postgres"`

	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`

	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Backend postgres"`

	// Retention is how long terminal records are kept past expiry.
	Retention time.Duration `yaml:"retention" validate:"gt=0"`

	// SweepInterval is how often stale records are expired and removed.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// EmailConfig configures the send_email tool.
type EmailConfig struct {
	APIKey     string   `yaml:"api_key"`
	From       string   `yaml:"from" validate:"required"`
	Recipients []string `yaml:"recipients" validate:"dive,email"`
	BaseURL    string   `yaml:"base_url" validate:"required,url"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	t := x402.DefaultTimeouts
	return Config{
		Title:      "x402 Email",
		ListenAddr: DefaultListenAddr,
		Facilitator: FacilitatorConfig{
			URL:        DefaultFacilitatorURL,
			MaxRetries: 2,
		},
		Prices: map[string]string{SendEmailTool: DefaultEmailPrice},
		Payouts: []PayoutConfig{
			{Network: x402.NetworkBaseSepolia, Address: DefaultEVMAddress},
			{Network: x402.NetworkSolanaDevnet, Address: DefaultSVMAddress},
		},
		Timeouts: Timeouts{
			Verify:  t.VerifyTimeout,
			Settle:  t.SettleTimeout,
			Handler: t.HandlerTimeout,
			Request: t.RequestTimeout,
		},
		Challenge: ChallengeConfig{
			TTL:               5 * time.Minute,
			MaxTimeoutSeconds: x402.DefaultMaxTimeoutSeconds,
		},
		Ledger: LedgerConfig{
			Backend:       LedgerMemory,
			Retention:     24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Email: EmailConfig{
			From:    DefaultResendFrom,
			BaseURL: DefaultResendBaseURL,
		},
	}
}

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment read through lookup (nil means
// os.LookupEnv). The result is not validated.
func Load(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("TITLE", &c.Title)
	str("DESCRIPTION", &c.Description)
	str("X402_LISTEN_ADDR", &c.ListenAddr)

	str("FACILITATOR_URL", &c.Facilitator.URL)
	str("FACILITATOR_AUTHORIZATION", &c.Facilitator.Authorization)
	str("FACILITATOR_FALLBACK_URL", &c.Facilitator.FallbackURL)
	str("FACILITATOR_FALLBACK_AUTHORIZATION", &c.Facilitator.FallbackAuthorization)

	if c.Prices == nil {
		c.Prices = make(map[string]string)
	}
	tools := []string{SendEmailTool}
	for tool := range c.Prices {
		if tool != SendEmailTool {
			tools = append(tools, tool)
		}
	}
	for _, tool := range tools {
		if v, ok := lookup("TOOL_PRICE_" + strings.ToUpper(tool)); ok && strings.TrimSpace(v) != "" {
			c.Prices[tool] = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup("EVM_ADDRESS"); ok && v != "" {
		c.setPayout(x402.NetworkBaseSepolia, strings.TrimSpace(v))
	}
	if v, ok := lookup("SVM_ADDRESS"); ok && v != "" {
		c.setPayout(x402.NetworkSolanaDevnet, strings.TrimSpace(v))
	}

	dur("X402_VERIFY_TIMEOUT", &c.Timeouts.Verify)
	dur("X402_SETTLE_TIMEOUT", &c.Timeouts.Settle)
	dur("X402_HANDLER_TIMEOUT", &c.Timeouts.Handler)
	dur("X402_CHALLENGE_TTL", &c.Challenge.TTL)

	str("X402_LEDGER", &c.Ledger.Backend)
	str("X402_REDIS_ADDR", &c.Ledger.RedisAddr)
	str("X402_REDIS_PASSWORD", &c.Ledger.RedisPassword)
	str("X402_POSTGRES_DSN", &c.Ledger.PostgresDSN)
	dur("X402_LEDGER_RETENTION", &c.Ledger.Retention)
	dur("X402_SWEEP_INTERVAL", &c.Ledger.SweepInterval)
	if v, ok := lookup("X402_REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("X402_REDIS_DB: %w", err))
		} else {
			c.Ledger.RedisDB = db
		}
	}

	str("X402_LOG_LEVEL", &c.Log.Level)
	str("X402_LOG_FORMAT", &c.Log.Format)

	str("RESEND_API_KEY", &c.Email.APIKey)
	str("RESEND_FROM", &c.Email.From)
	str("RESEND_BASE_URL", &c.Email.BaseURL)
	if v, ok := lookup("RECIPIENT_EMAIL"); ok {
		c.Email.Recipients = SplitList(v)
	}

	if len(errs) > 0 {
		return x402.NewInvocationError(x402.ErrCodeConfiguration, "invalid environment", errors.Join(errs...))
	}
	return nil
}

// setPayout replaces the address for network, adding an entry if needed.
func (c *Config) setPayout(network, address string) {
	for i := range c.Payouts {
		if n, err := x402.NormalizeNetwork(c.Payouts[i].Network); err == nil && n == network {
			c.Payouts[i].Address = address
			return
		}
	}
	c.Payouts = append(c.Payouts, PayoutConfig{Network: network, Address: address})
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every problem in c as a single CONFIGURATION_ERROR.
func (c Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return x402.NewInvocationError(x402.ErrCodeConfiguration, "invalid configuration", err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s fails %s", fe.Namespace(), fe.Tag()))
		}
	}

	for tool, price := range c.Prices {
		if _, err := x402.ParsePrice(price); err != nil {
			problems = append(problems, fmt.Sprintf("price of %s: %v", tool, err))
		}
	}

	seen := make(map[string]bool)
	for i, p := range c.Payouts {
		network, err := x402.NormalizeNetwork(p.Network)
		if err != nil {
			problems = append(problems, fmt.Sprintf("payout %d: %v", i, err))
			continue
		}
		if seen[network] {
			problems = append(problems, fmt.Sprintf("payout %d: duplicate network %s", i, network))
		}
		seen[network] = true
		if err := validation.ValidateAddress(p.Address, network); err != nil {
			problems = append(problems, fmt.Sprintf("payout %d: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return x402.Errorf(x402.ErrCodeConfiguration, "invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
