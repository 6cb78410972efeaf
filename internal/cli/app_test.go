package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/config"
	"github.com/nacorid/x402/encoding"
	"github.com/nacorid/x402/internal/x402test"
)

const testFeePayer = "EwWqGE4ZFKLofuestmU4LDdK7XM1N4ALgdZccwYugwGd"

// fakeFacilitator accepts every payment.
type fakeFacilitator struct {
	settles   atomic.Int32
	supported int
}

func (f *fakeFacilitator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/supported":
		if f.supported != 0 {
			w.WriteHeader(f.supported)
			return
		}
		_ = json.NewEncoder(w).Encode(x402.SupportedResponse{Kinds: []x402.SupportedKind{{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     x402.NetworkSolanaDevnet,
			Extra:       map[string]interface{}{"feePayer": testFeePayer},
		}}})
	case "/verify":
		_ = json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true})
	case "/settle":
		f.settles.Add(1)
		var req struct {
			PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(x402.SettleResponse{
			Success:     true,
			Transaction: "0xsettled",
			Network:     req.PaymentRequirements.Network,
		})
	default:
		http.NotFound(w, r)
	}
}

// fakeResend records sent emails.
type fakeResend struct {
	mu   sync.Mutex
	keys []string
	body []map[string]interface{}
}

func (f *fakeResend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.keys = append(f.keys, r.Header.Get("Idempotency-Key"))
	f.body = append(f.body, body)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"id":"re_msg_1"}`))
}

type testEnv struct {
	app    *App
	server *httptest.Server
	fac    *fakeFacilitator
	resend *fakeResend
}

func testConfig(facURL, resendURL string) config.Config {
	cfg := config.Default()
	cfg.Facilitator.URL = facURL
	cfg.Email.APIKey = "re_test"
	cfg.Email.BaseURL = resendURL
	cfg.Email.Recipients = []string{"ops@example.com"}
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{fac: &fakeFacilitator{}, resend: &fakeResend{}}
	facServer := httptest.NewServer(env.fac)
	t.Cleanup(facServer.Close)
	resendServer := httptest.NewServer(env.resend)
	t.Cleanup(resendServer.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(context.Background(), testConfig(facServer.URL, resendServer.URL), logger)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(app.Close)
	env.app = app
	env.server = httptest.NewServer(app.Handler)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestApp_Health(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestApp_Pricing(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/pricing", "", nil)
	var body struct {
		Title string `json:"title"`
		Tools []struct {
			Tool    string `json:"tool"`
			Price   string `json:"price"`
			Accepts []struct {
				Network string `json:"network"`
			} `json:"accepts"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(readAll(t, resp), &body); err != nil {
		t.Fatal(err)
	}
	if body.Title != "x402 Email" || len(body.Tools) != 1 || body.Tools[0].Tool != config.SendEmailTool {
		t.Fatalf("pricing = %+v", body)
	}
	if len(body.Tools[0].Accepts) != 2 {
		t.Errorf("accepts = %+v", body.Tools[0].Accepts)
	}
}

func TestApp_PaidEmailOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	args := `{"subject":"Status","body":"All systems nominal"}`

	resp := env.do(t, http.MethodPost, "/tools/send_email", args, nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	var pr x402.PaymentRequired
	if err := json.Unmarshal(readAll(t, resp), &pr); err != nil {
		t.Fatal(err)
	}
	svm := x402test.Accept(t, &pr, x402.NetworkSolanaDevnet)
	if svm.Extra["feePayer"] != testFeePayer {
		t.Errorf("solana option extra = %v, want facilitator fee payer", svm.Extra)
	}

	payment := x402test.EVMPayment(t, x402test.Accept(t, &pr, x402.NetworkBaseSepolia), "5000", time.Now())
	header, err := encoding.EncodePayment(payment)
	if err != nil {
		t.Fatal(err)
	}
	resp = env.do(t, http.MethodPost, "/tools/send_email", args, http.Header{"X-Payment": {header}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, readAll(t, resp))
	}
	if resp.Header.Get("X-PAYMENT-RESPONSE") == "" {
		t.Error("missing X-PAYMENT-RESPONSE")
	}
	if !bytes.Contains(readAll(t, resp), []byte("re_msg_1")) {
		t.Error("result does not carry the provider id")
	}

	if len(env.resend.keys) != 1 || env.resend.keys[0] != pr.Nonce {
		t.Errorf("idempotency keys = %v, want [%s]", env.resend.keys, pr.Nonce)
	}
	if n := env.fac.settles.Load(); n != 1 {
		t.Errorf("settle calls = %d, want 1", n)
	}

	metrics := string(readAll(t, env.do(t, http.MethodGet, "/metrics", "", nil)))
	for _, want := range []string{`type="challenged"`, `type="settled"`, "x402_latency_seconds"} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestApp_MCPToolsList(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		http.Header{"Accept": {"application/json, text/event-stream"}})
	body := string(readAll(t, resp))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	for _, tool := range []string{`"send_email"`, `"pricing"`} {
		if !strings.Contains(body, tool) {
			t.Errorf("tools/list missing %s: %s", tool, body)
		}
	}
}

func TestApp_MCPChallenge(t *testing.T) {
	env := newTestEnv(t)
	call := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"send_email","arguments":{"subject":"s","body":"b"}}}`
	resp := env.do(t, http.MethodPost, "/mcp", call, nil)
	var rpc struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(readAll(t, resp), &rpc); err != nil {
		t.Fatal(err)
	}
	if rpc.Error == nil || rpc.Error.Code != 402 {
		t.Fatalf("error = %+v, want code 402", rpc.Error)
	}
}

func TestNewApp_EnrichFailureContinues(t *testing.T) {
	facServer := httptest.NewServer(&fakeFacilitator{supported: http.StatusInternalServerError})
	defer facServer.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	cfg := testConfig(facServer.URL, "http://127.0.0.1:1")
	cfg.Facilitator.MaxRetries = 0
	app, err := NewApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()
	if !strings.Contains(logs.String(), "facilitator capabilities unavailable") {
		t.Errorf("logs = %s", logs.String())
	}
}

func TestNewApp_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no recipients", func(c *config.Config) { c.Email.Recipients = nil }},
		{"no email price", func(c *config.Config) { c.Prices = map[string]string{"other": "$1"} }},
		{"bad payout", func(c *config.Config) { c.Payouts[0].Address = "not-an-address" }},
		{"unreachable redis", func(c *config.Config) {
			c.Ledger.Backend = config.LedgerRedis
			c.Ledger.RedisAddr = "127.0.0.1:1"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facServer := httptest.NewServer(&fakeFacilitator{})
			defer facServer.Close()
			cfg := testConfig(facServer.URL, "http://127.0.0.1:1")
			tt.mutate(&cfg)

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			app, err := NewApp(context.Background(), cfg, logger)
			if err == nil {
				app.Close()
				t.Fatal("NewApp() succeeded, want error")
			}
			if tt.name != "unreachable redis" && !errors.Is(err, x402.ErrConfiguration) {
				t.Errorf("err = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info logged at warn level: %s", out)
	}
	var line map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("not JSON: %s", out)
	}
	if line["msg"] != "shown" || line["k"] != "v" {
		t.Errorf("line = %v", line)
	}
}
