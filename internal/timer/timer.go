// Package timer drives the channel timeout and dispute-window
// transitions on a periodic
// sweep of the store, rather than a one-timer-per-channel design, since
// the set of channels needing a check is already indexed by the store
// (store.Backend.ListNeedingTimeoutCheck).
package timer

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/photonx/coordinator/internal/clog"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/statemachine"
	"github.com/photonx/coordinator/internal/store"
)

var log = clog.SubLogger(clog.SubsystemStateMachine)

// Sweeper periodically scans for channels past their timeout_at or
// dispute-window deadline and drives the corresponding state-machine
// transition.
type Sweeper struct {
	sm            *statemachine.Machine
	backend       store.Backend
	clock         clock.Clock
	tick          ticker.Ticker
	disputeWindow time.Duration

	quit chan struct{}
	done chan struct{}
}

// New constructs a Sweeper that wakes every interval to check for
// channels needing a timeout or dispute-window transition. disputeWindow
// is the configured grace period between timed_out and expired.
func New(sm *statemachine.Machine, backend store.Backend, interval, disputeWindow time.Duration) *Sweeper {
	return &Sweeper{
		sm:            sm,
		backend:       backend,
		clock:         clock.NewDefaultClock(),
		tick:          ticker.New(interval),
		disputeWindow: disputeWindow,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start begins the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	s.tick.Resume()
	go s.run()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.quit)
	s.tick.Stop()
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)
	for {
		select {
		case <-s.tick.Ticks():
			s.sweepOnce()
		case <-s.quit:
			return
		}
	}
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := s.clock.Now()
	ids, err := s.backend.ListNeedingTimeoutCheck(ctx, now)
	if err != nil {
		log.Errorf("timeout sweep: list failed: %v", err)
		return
	}

	for _, id := range ids {
		s.sweepChannel(ctx, id, now)
	}
}

func (s *Sweeper) sweepChannel(ctx context.Context, id codec.ChannelID, now time.Time) {
	rec, err := s.sm.GetState(ctx, id)
	if err != nil {
		log.Warnf("timeout sweep: channel %s: %v", id, err)
		return
	}

	switch rec.Status {
	case store.StatusActive, store.StatusCheckpointing:
		if !now.Before(rec.TimeoutAt) {
			if _, err := s.sm.MarkTimedOut(ctx, id, now); err != nil {
				log.Errorf("timeout sweep: channel %s mark_timed_out failed: %v", id, err)
			}
		}
	case store.StatusTimedOut:
		if _, err := s.sm.MarkExpired(ctx, id, now, s.disputeWindow); err != nil {
			log.Errorf("timeout sweep: channel %s mark_expired failed: %v", id, err)
		}
	}
}
