package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nacorid/x402"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// runLedgerSuite checks the state machine every backend must implement.
func runLedgerSuite(t *testing.T, newLedger func(t *testing.T) Ledger) {
	ctx := context.Background()

	reserveVerified := func(t *testing.T, l Ledger, nonce string) {
		t.Helper()
		if err := l.Reserve(ctx, nonce, "send_email", t0, t0.Add(5*time.Minute)); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if err := l.MarkVerified(ctx, nonce, "0xpayer", x402.NetworkBaseSepolia); err != nil {
			t.Fatalf("MarkVerified() error = %v", err)
		}
	}

	t.Run("reserve and get", func(t *testing.T) {
		l := newLedger(t)
		if err := l.Reserve(ctx, "n1", "send_email", t0, t0.Add(time.Minute)); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		rec, err := l.Get(ctx, "n1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec.State != StateChallenged || rec.ToolID != "send_email" {
			t.Errorf("record = %+v", rec)
		}
		if !rec.ExpiresAt.Equal(t0.Add(time.Minute)) {
			t.Errorf("ExpiresAt = %v", rec.ExpiresAt)
		}
		if err := l.Reserve(ctx, "n1", "send_email", t0, t0.Add(time.Minute)); !errors.Is(err, ErrNonceExists) {
			t.Errorf("duplicate Reserve() error = %v, want ErrNonceExists", err)
		}
		if _, err := l.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("happy path to settled", func(t *testing.T) {
		l := newLedger(t)
		reserveVerified(t, l, "n1")

		outcome, rec, err := l.TryClaim(ctx, "n1", t0.Add(time.Second))
		if err != nil || outcome != Claimed {
			t.Fatalf("TryClaim() = %v, %v", outcome, err)
		}
		if rec.State != StateExecuting || rec.Payer != "0xpayer" {
			t.Errorf("claimed record = %+v", rec)
		}

		receipt := x402.Receipt{ID: "0xtx", Amount: "5000", Network: x402.NetworkBaseSepolia}
		if err := l.Complete(ctx, "n1", json.RawMessage(`{"ok":true}`), receipt); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		rec, _ = l.Get(ctx, "n1")
		if rec.State != StateSettled || string(rec.Result) != `{"ok":true}` || rec.Receipt == nil || rec.Receipt.ID != "0xtx" {
			t.Errorf("settled record = %+v", rec)
		}

		if err := l.Complete(ctx, "n1", nil, receipt); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second Complete() error = %v, want ErrInvalidTransition", err)
		}
		if err := l.MarkVerified(ctx, "n1", "0xpayer", x402.NetworkBaseSepolia); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("MarkVerified(settled) error = %v, want ErrInvalidTransition", err)
		}
		outcome, rec, err = l.TryClaim(ctx, "n1", t0.Add(2*time.Second))
		if err != nil || outcome != AlreadyClaimed || rec.State != StateSettled {
			t.Errorf("TryClaim(settled) = %v, %+v, %v", outcome, rec, err)
		}
	})

	t.Run("claim straight from challenged", func(t *testing.T) {
		l := newLedger(t)
		if err := l.Reserve(ctx, "n1", "send_email", t0, t0.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		outcome, rec, err := l.TryClaim(ctx, "n1", t0)
		if err != nil || outcome != Claimed || rec.State != StateExecuting {
			t.Fatalf("TryClaim(challenged) = %v, %+v, %v", outcome, rec, err)
		}
		outcome, _, err = l.TryClaim(ctx, "n1", t0)
		if err != nil || outcome != AlreadyClaimed {
			t.Errorf("second TryClaim = %v, %v", outcome, err)
		}
		outcome, _, err = l.TryClaim(ctx, "unknown", t0)
		if err != nil || outcome != NotFound {
			t.Errorf("TryClaim(unknown) = %v, %v", outcome, err)
		}
	})

	t.Run("expired nonce cannot be claimed", func(t *testing.T) {
		l := newLedger(t)
		reserveVerified(t, l, "n1")

		outcome, rec, err := l.TryClaim(ctx, "n1", t0.Add(5*time.Minute))
		if err != nil || outcome != Expired {
			t.Fatalf("TryClaim(at expiry) = %v, %v", outcome, err)
		}
		if rec.State != StateExpired {
			t.Errorf("State = %s, want EXPIRED", rec.State)
		}
		outcome, _, _ = l.TryClaim(ctx, "n1", t0)
		if outcome != Expired {
			t.Errorf("expired record resurrected: %v", outcome)
		}
		if err := l.MarkVerified(ctx, "n1", "p", "n"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("MarkVerified(expired) error = %v", err)
		}
	})

	t.Run("handler failure", func(t *testing.T) {
		l := newLedger(t)
		reserveVerified(t, l, "n1")
		if _, _, err := l.TryClaim(ctx, "n1", t0); err != nil {
			t.Fatal(err)
		}

		f := Failure{Code: x402.ErrCodeHandlerError, Message: "smtp down"}
		if err := l.Fail(ctx, "n1", f, json.RawMessage(`{"ignored":1}`)); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		rec, _ := l.Get(ctx, "n1")
		if rec.State != StateFailed || rec.Failure == nil || rec.Failure.Message != "smtp down" {
			t.Errorf("failed record = %+v", rec)
		}
		if len(rec.Result) != 0 {
			t.Errorf("FAILED record kept result %s", rec.Result)
		}
	})

	t.Run("settlement failure keeps result", func(t *testing.T) {
		l := newLedger(t)
		reserveVerified(t, l, "n1")
		if _, _, err := l.TryClaim(ctx, "n1", t0); err != nil {
			t.Fatal(err)
		}
		f := Failure{Code: x402.ErrCodeSettlementFailure, Message: "insufficient funds"}
		if err := l.Fail(ctx, "n1", f, json.RawMessage(`{"sent":true}`)); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		rec, _ := l.Get(ctx, "n1")
		if rec.State != StateSettlementFailed || string(rec.Result) != `{"sent":true}` {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("fail rejects other codes", func(t *testing.T) {
		l := newLedger(t)
		reserveVerified(t, l, "n1")
		if _, _, err := l.TryClaim(ctx, "n1", t0); err != nil {
			t.Fatal(err)
		}
		if err := l.Fail(ctx, "n1", Failure{Code: x402.ErrCodePaymentInvalid}, nil); err == nil {
			t.Error("Fail() accepted PAYMENT_INVALID")
		}
	})

	t.Run("concurrent claims", func(t *testing.T) {
		l := newLedger(t)
		reserveVerified(t, l, "n1")

		const n = 32
		var (
			claimed atomic.Int32
			already atomic.Int32
			wg      sync.WaitGroup
		)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				outcome, _, err := l.TryClaim(ctx, "n1", t0.Add(time.Second))
				if err != nil {
					t.Errorf("TryClaim() error = %v", err)
					return
				}
				switch outcome {
				case Claimed:
					claimed.Add(1)
				case AlreadyClaimed:
					already.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if claimed.Load() != 1 {
			t.Errorf("claimed = %d, want exactly 1", claimed.Load())
		}
		if already.Load() != n-1 {
			t.Errorf("already claimed = %d, want %d", already.Load(), n-1)
		}
	})

	t.Run("sweep expires abandoned challenges", func(t *testing.T) {
		l := newLedger(t)
		for i := 0; i < 3; i++ {
			nonce := fmt.Sprintf("n%d", i)
			if err := l.Reserve(ctx, nonce, "send_email", t0, t0.Add(time.Duration(i+1)*time.Minute)); err != nil {
				t.Fatal(err)
			}
		}
		expired, _, err := l.Sweep(ctx, t0.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("Sweep() error = %v", err)
		}
		if expired != 2 {
			t.Errorf("expired = %d, want 2", expired)
		}
		rec, _ := l.Get(ctx, "n2")
		if rec.State != StateChallenged {
			t.Errorf("unexpired record swept: %s", rec.State)
		}
	})
}
