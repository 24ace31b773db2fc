// Package healthmon wraps github.com/lightningnetwork/lnd/healthcheck to
// run a retried store-reachability observation and call an operator hook
// when it keeps failing. Invariant escalations and disputed channels are
// not observed here; they surface only as log lines.
package healthmon

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"

	"github.com/photonx/coordinator/internal/clog"
	"github.com/photonx/coordinator/internal/store"
)

var log = clog.SubLogger(clog.SubsystemMain)

// Config bundles the health-check tunables.
type Config struct {
	Interval time.Duration
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// Monitor drives an healthcheck.Observer watching store reachability,
// alerting via the configured OnFailure hook; it does not watch for
// disputed channels.
type Monitor struct {
	observer *healthcheck.Observer
}

// New builds a Monitor with a store-reachability observation, firing
// onStoreUnreachable after cfg.Attempts consecutive failed checks: a
// disputed channel's escalation is only actionable if the operator can
// trust the store is actually being watched.
func New(cfg Config, backend store.Backend, onStoreUnreachable func()) *Monitor {
	storeCheck := &healthcheck.Observation{
		Name: "store_reachable",
		Check: func(ctx context.Context) error {
			_, err := backend.ListNeedingTimeoutCheck(ctx, time.Now())
			return err
		},
		Interval: cfg.Interval,
		Attempts: cfg.Attempts,
		Backoff:  cfg.Backoff,
		Timeout:  cfg.Timeout,
		OnFailure: func() {
			if onStoreUnreachable != nil {
				onStoreUnreachable()
			}
		},
	}

	return &Monitor{
		observer: healthcheck.NewObserver([]*healthcheck.Observation{storeCheck}),
	}
}

// Start begins the background health-check loops.
func (m *Monitor) Start() error {
	log.Infof("starting health monitor")
	return m.observer.Start()
}

// Stop halts the background health-check loops.
func (m *Monitor) Stop() error {
	return m.observer.Stop()
}
