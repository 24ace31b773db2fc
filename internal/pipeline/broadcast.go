package pipeline

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/store"
)

// Event is the unit published after a successful commit: (channel_id, new_state, message).
type Event struct {
	ChannelID codec.ChannelID
	Nonce     uint64
	State     *store.Record
	Message   codec.Message
}

// Broadcaster is the outbound-notification sink the pipeline publishes
// to. The concrete transport (websocket/HTTP push to each participant)
// is out of scope; this interface is the seam a transport
// adapter plugs into.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
}

// dedupeKey identifies an event for idempotent re-delivery purposes:
// re-delivery of the same (channel_id, nonce, message) to a subscriber
// must be observationally equivalent to a single delivery.
type dedupeKey struct {
	channelID codec.ChannelID
	nonce     uint64
}

// FanOut is a minimal in-process Broadcaster: it holds a set of
// subscribers and fans every Event out to all of them, deduplicating
// per-subscriber redelivery of the same (channel_id, nonce) pair. Each
// subscriber is backed by a queue.ConcurrentQueue, the same unbounded
// producer/consumer queue lnd uses to keep a slow peer connection from
// stalling the sender; here it keeps a slow participant connection from
// stalling the goroutine that just committed a state change. A
// production deployment replaces this with a transport-backed adapter
// implementing the same interface.
type FanOut struct {
	mu          sync.Mutex
	subscribers map[string]*queue.ConcurrentQueue
	delivered   map[string]map[dedupeKey]struct{}
}

// NewFanOut constructs an empty FanOut broadcaster.
func NewFanOut() *FanOut {
	return &FanOut{
		subscribers: make(map[string]*queue.ConcurrentQueue),
		delivered:   make(map[string]map[dedupeKey]struct{}),
	}
}

// Subscribe registers a named subscriber (typically one per participant
// connection) and returns its event channel. bufferSize sets the
// subscriber's internal queue staging buffer; the queue itself grows
// without bound rather than dropping events under backpressure.
func (f *FanOut) Subscribe(name string, bufferSize int) <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	cq := queue.NewConcurrentQueue(bufferSize)
	cq.Start()
	f.subscribers[name] = cq
	f.delivered[name] = make(map[dedupeKey]struct{})

	out := make(chan Event, bufferSize)
	go func() {
		defer close(out)
		for v := range cq.ChanOut() {
			out <- v.(Event)
		}
	}()
	return out
}

// Unsubscribe removes a subscriber and stops its queue, which in turn
// closes its event channel.
func (f *FanOut) Unsubscribe(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cq, ok := f.subscribers[name]; ok {
		cq.Stop()
		delete(f.subscribers, name)
		delete(f.delivered, name)
	}
}

// Publish implements Broadcaster, delivering ev to every subscriber
// exactly once per (channel_id, nonce) even if Publish is itself called
// more than once for the same event (at-least-once producer, idempotent
// consumer view).
func (f *FanOut) Publish(ctx context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := dedupeKey{channelID: ev.ChannelID, nonce: ev.Nonce}
	for name, cq := range f.subscribers {
		seen := f.delivered[name]
		if _, already := seen[key]; already {
			continue
		}
		select {
		case cq.ChanIn() <- ev:
			seen[key] = struct{}{}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
