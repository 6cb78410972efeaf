package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nacorid/x402"
)

func env(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x402.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Prices[SendEmailTool] != "$0.005" {
		t.Errorf("send_email price = %q", cfg.Prices[SendEmailTool])
	}
	if len(cfg.Payouts) != 2 || cfg.Payouts[0].Address != DefaultEVMAddress || cfg.Payouts[1].Address != DefaultSVMAddress {
		t.Errorf("payouts = %+v", cfg.Payouts)
	}
	if cfg.Facilitator.URL != DefaultFacilitatorURL || cfg.Ledger.Backend != LedgerMemory {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Timeouts.TimeoutConfig() != x402.DefaultTimeouts {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, `
title: From File
listen_addr: ":9000"
facilitator:
  url: https://file.example.com
prices:
  send_email: "$0.01"
  summarize: "$0.02"
payouts:
  - network: base-sepolia
    address: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
timeouts:
  settle: 90s
ledger:
  backend: redis
  redis_addr: localhost:6379
`)

	cfg, err := Load(path, env(map[string]string{
		"FACILITATOR_URL":      "https://env.example.com",
		"TOOL_PRICE_SUMMARIZE": "$0.03",
		"SVM_ADDRESS":          DefaultSVMAddress,
		"RECIPIENT_EMAIL":      " alice@example.com, ,bob@example.com ",
		"X402_CHALLENGE_TTL":   "2m",
	}))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Title != "From File" || cfg.ListenAddr != ":9000" {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.Facilitator.URL != "https://env.example.com" {
		t.Errorf("facilitator = %s, want env value", cfg.Facilitator.URL)
	}
	if cfg.Prices[SendEmailTool] != "$0.01" || cfg.Prices["summarize"] != "$0.03" {
		t.Errorf("prices = %v", cfg.Prices)
	}
	if len(cfg.Payouts) != 2 || cfg.Payouts[1].Network != x402.NetworkSolanaDevnet {
		t.Errorf("payouts = %+v", cfg.Payouts)
	}
	if cfg.Timeouts.Settle != 90*time.Second || cfg.Timeouts.Verify != x402.DefaultTimeouts.VerifyTimeout {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Challenge.TTL != 2*time.Minute {
		t.Errorf("ttl = %s", cfg.Challenge.TTL)
	}
	if got := strings.Join(cfg.Email.Recipients, ","); got != "alice@example.com,bob@example.com" {
		t.Errorf("recipients = %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_EnvOverridesPayoutAddress(t *testing.T) {
	cfg, err := Load("", env(map[string]string{"EVM_ADDRESS": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Payouts) != 2 || cfg.Payouts[0].Address != "0x209693Bc6afc0C5328bA36FaF03C514EF312287C" {
		t.Errorf("payouts = %+v", cfg.Payouts)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil)); err == nil {
		t.Error("missing file accepted")
	}
	if _, err := Load(writeFile(t, "prices: [oops"), env(nil)); err == nil {
		t.Error("malformed YAML accepted")
	}
	_, err := Load("", env(map[string]string{"X402_SWEEP_INTERVAL": "soon", "X402_REDIS_DB": "x"}))
	if x402.CodeOf(err) != x402.ErrCodeConfiguration {
		t.Fatalf("err = %v, want configuration error", err)
	}
	for _, want := range []string{"X402_SWEEP_INTERVAL", "X402_REDIS_DB"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{
			name:   "missing price",
			mutate: func(c *Config) { c.Prices = nil },
			want:   []string{"Config.Prices"},
		},
		{
			name:   "bad price",
			mutate: func(c *Config) { c.Prices[SendEmailTool] = "$0" },
			want:   []string{"price of send_email", "price must be positive"},
		},
		{
			name:   "unparseable price",
			mutate: func(c *Config) { c.Prices[SendEmailTool] = "five" },
			want:   []string{"price of send_email"},
		},
		{
			name:   "no payouts",
			mutate: func(c *Config) { c.Payouts = nil },
			want:   []string{"Config.Payouts"},
		},
		{
			name: "bad payout address",
			mutate: func(c *Config) {
				c.Payouts[0].Address = "0x123"
			},
			want: []string{"payout 0"},
		},
		{
			name: "duplicate network",
			mutate: func(c *Config) {
				c.Payouts = append(c.Payouts, PayoutConfig{Network: "eip155:84532", Address: DefaultEVMAddress})
			},
			want: []string{"duplicate network eip155:84532"},
		},
		{
			name:   "no facilitator",
			mutate: func(c *Config) { c.Facilitator.URL = "" },
			want:   []string{"Config.Facilitator.URL"},
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Ledger.Backend = LedgerPostgres },
			want:   []string{"Config.Ledger.PostgresDSN"},
		},
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Ledger.Backend = "sqlite" },
			want:   []string{"Config.Ledger.Backend"},
		},
		{
			name:   "bad recipient",
			mutate: func(c *Config) { c.Email.Recipients = []string{"not-an-email"} },
			want:   []string{"Config.Email.Recipients[0]"},
		},
		{
			name: "every problem reported",
			mutate: func(c *Config) {
				c.Facilitator.URL = ""
				c.Payouts = nil
			},
			want: []string{"Config.Facilitator.URL", "Config.Payouts"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if x402.CodeOf(err) != x402.ErrCodeConfiguration {
				t.Fatalf("err = %v, want configuration error", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	if got := SplitList(""); len(got) != 0 {
		t.Errorf("SplitList(\"\") = %v", got)
	}
	if got := SplitList("a, b,,c "); strings.Join(got, "|") != "a|b|c" {
		t.Errorf("SplitList = %v", got)
	}
}
