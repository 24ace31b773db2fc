package pipeline

import (
	"sync"

	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/codec"
)

// channelQueues tracks the number of messages currently admitted (queued
// or in flight) per channel, enforcing a bounded inbound queue: when
// full, new messages are rejected with overloaded, never silently
// dropped.
type channelQueues struct {
	mu    sync.Mutex
	depth int
	inUse map[codec.ChannelID]int
}

func newChannelQueues(depth int) *channelQueues {
	return &channelQueues{depth: depth, inUse: make(map[codec.ChannelID]int)}
}

// admit reserves a queue slot for id, returning KindOverloaded if the
// channel's bounded queue is already full.
func (q *channelQueues) admit(id codec.ChannelID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inUse[id] >= q.depth {
		return cerrors.New(cerrors.KindOverloaded, "inbound queue full for channel").WithChannel(id.String())
	}
	q.inUse[id]++
	return nil
}

// release frees the slot reserved by a prior admit.
func (q *channelQueues) release(id codec.ChannelID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inUse[id]--
	if q.inUse[id] <= 0 {
		delete(q.inUse, id)
	}
}
