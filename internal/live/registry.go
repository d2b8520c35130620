package live

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

const defaultShards = 32

// PresenceHook observes users going online or offline. Hooks run while the
// owning registry shard is locked, so calls for one user arrive in mutation
// order; implementations must return without blocking.
type PresenceHook interface {
	Online(userID int64)
	Offline(userID int64)
}

type Option func(*Registry)

// WithShards sets the number of lock partitions. Values below 1 are ignored.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shardCount = n
		}
	}
}

func WithPresenceHook(h PresenceHook) Option {
	return func(r *Registry) {
		if h != nil {
			r.hooks = append(r.hooks, h)
		}
	}
}

type shard struct {
	mu    sync.RWMutex
	sinks map[int64]LiveSink
}

// Registry maps each user to the single live sink currently representing
// them. A newer registration replaces the older one without closing it.
// Every mutation is followed by exactly one presence broadcast.
type Registry struct {
	shardCount int
	shards     []*shard
	hooks      []PresenceHook

	// bmu orders snapshot+fan-out so each sink sees snapshots oldest first.
	bmu         sync.Mutex
	broadcaster *Broadcaster
	log         *zap.Logger
}

func NewRegistry(log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		shardCount:  defaultShards,
		broadcaster: NewBroadcaster(log),
		log:         log,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.shards = make([]*shard, r.shardCount)
	for i := range r.shards {
		r.shards[i] = &shard{sinks: make(map[int64]LiveSink)}
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	return r.shards[uint64(userID)%uint64(len(r.shards))]
}

// Register makes sink the authoritative connection for userID.
func (r *Registry) Register(userID int64, sink LiveSink) {
	s := r.shardFor(userID)
	s.mu.Lock()
	prev, had := s.sinks[userID]
	s.sinks[userID] = sink
	for _, h := range r.hooks {
		h.Online(userID)
	}
	s.mu.Unlock()

	if had && prev != sink {
		r.log.Debug("connection superseded", zap.Int64("user_id", userID))
	}
	r.broadcast()
}

// Unregister removes userID only while sink is still the registered
// instance, so a late disconnect of a replaced connection is a no-op. The
// presence broadcast happens either way.
func (r *Registry) Unregister(userID int64, sink LiveSink) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	cur, ok := s.sinks[userID]
	removed := ok && cur == sink
	if removed {
		delete(s.sinks, userID)
		for _, h := range r.hooks {
			h.Offline(userID)
		}
	}
	s.mu.Unlock()

	if !removed {
		r.log.Debug("stale unregister ignored", zap.Int64("user_id", userID))
	}
	r.broadcast()
	return removed
}

// Lookup returns the sink registered for userID.
func (r *Registry) Lookup(userID int64) (LiveSink, bool) {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sink, ok := s.sinks[userID]
	return sink, ok
}

// CurrentIDs returns the ids of all registered users in no particular order.
func (r *Registry) CurrentIDs() []int64 {
	ids, _ := r.snapshot()
	return ids
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.sinks)
		s.mu.RUnlock()
	}
	return n
}

// Close empties the registry and closes every sink that supports it. Used
// on shutdown; sinks unregistering afterwards are ignored.
func (r *Registry) Close() {
	r.bmu.Lock()
	var drained []LiveSink
	for _, s := range r.shards {
		s.mu.Lock()
		for userID, sink := range s.sinks {
			drained = append(drained, sink)
			for _, h := range r.hooks {
				h.Offline(userID)
			}
		}
		s.sinks = make(map[int64]LiveSink)
		s.mu.Unlock()
	}
	r.bmu.Unlock()

	for _, sink := range drained {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				r.log.Debug("close sink on shutdown", zap.Error(err))
			}
		}
	}
	r.log.Info("registry drained", zap.Int("connections", len(drained)))
}

// snapshot reads shard by shard; a mutation racing the walk can leave at most
// the entry it touched stale until its own broadcast.
func (r *Registry) snapshot() ([]int64, []LiveSink) {
	ids := make([]int64, 0)
	var sinks []LiveSink
	for _, s := range r.shards {
		s.mu.RLock()
		for id, sink := range s.sinks {
			ids = append(ids, id)
			sinks = append(sinks, sink)
		}
		s.mu.RUnlock()
	}
	return ids, sinks
}

func (r *Registry) broadcast() {
	r.bmu.Lock()
	defer r.bmu.Unlock()
	ids, sinks := r.snapshot()
	r.broadcaster.Broadcast(ids, sinks)
}
