// Package metrics records invocation outcomes.
package metrics

import (
	"time"

	"github.com/nacorid/x402"
)

// Recorder receives counters and latencies. Implementations must be safe
// for concurrent use.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// EventCallback feeds invocation events into r. Every event increments the
// invocations counter; terminal events also record their latency.
func EventCallback(r Recorder) x402.EventCallback {
	return func(ev x402.InvocationEvent) {
		labels := map[string]string{
			"tool":      ev.Tool,
			"network":   ev.Network,
			"transport": ev.Transport,
			"code":      string(ev.Code),
		}
		r.IncCounter(string(ev.Type), labels)

		switch ev.Type {
		case x402.EventSettled, x402.EventFailed, x402.EventReplayed:
			if ev.Duration > 0 {
				r.ObserveLatency("invocation", ev.Duration, labels)
			}
		}
	}
}

// SweepCallback counts nonces the ledger sweeper expired or removed. It
// fits ledger.Sweeper.OnSweep.
func SweepCallback(r Recorder) func(expired, removed int) {
	return func(expired, removed int) {
		for i := 0; i < expired; i++ {
			r.IncCounter("expired", map[string]string{})
		}
		for i := 0; i < removed; i++ {
			r.IncCounter("removed", map[string]string{})
		}
	}
}
