package ledger

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper runs.
const DefaultSweepInterval = time.Minute

// Sweeper periodically expires abandoned challenges and drops records past
// retention. Abandoned requests never clean up after themselves; the
// sweeper is what eventually resolves them.
type Sweeper struct {
	ledger   Ledger
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// OnSweep, if set, is called after each pass.
	OnSweep func(expired, removed int)
}

// NewSweeper creates a sweeper for l. A non-positive interval uses
// DefaultSweepInterval.
func NewSweeper(l Ledger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ledger:   l,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	expired, removed, err := s.ledger.Sweep(ctx, s.now())
	if err != nil {
		s.logger.WarnContext(ctx, "ledger sweep failed", "error", err)
		return err
	}
	if expired > 0 || removed > 0 {
		s.logger.InfoContext(ctx, "ledger swept", "expired", expired, "removed", removed)
	}
	if s.OnSweep != nil {
		s.OnSweep(expired, removed)
	}
	return nil
}
