package live

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PresenceStore persists presence outside the process: the users table,
// the cluster's Redis keys.
type PresenceStore interface {
	Online(ctx context.Context, userID int64) error
	Offline(ctx context.Context, userID int64) error
}

type presenceOp struct {
	userID int64
	online bool
}

// PresenceMirror copies registry presence changes into a PresenceStore. The
// registry calls it under a shard lock, so ops are queued and applied in
// order by a single worker started with Run.
type PresenceMirror struct {
	name    string
	store   PresenceStore
	ops     chan presenceOp
	timeout time.Duration
	log     *zap.Logger
}

func NewPresenceMirror(name string, store PresenceStore, buffer int, log *zap.Logger) *PresenceMirror {
	if buffer <= 0 {
		buffer = 1024
	}
	return &PresenceMirror{
		name:    name,
		store:   store,
		ops:     make(chan presenceOp, buffer),
		timeout: 2 * time.Second,
		log:     log.With(zap.String("mirror", name)),
	}
}

func (m *PresenceMirror) Online(userID int64)  { m.enqueue(presenceOp{userID: userID, online: true}) }
func (m *PresenceMirror) Offline(userID int64) { m.enqueue(presenceOp{userID: userID}) }

// enqueue drops the op when the queue is full; the next change for that
// user overwrites the stale entry.
func (m *PresenceMirror) enqueue(op presenceOp) {
	select {
	case m.ops <- op:
	default:
		m.log.Warn("presence queue full, dropping update",
			zap.Int64("user_id", op.userID), zap.Bool("online", op.online))
	}
}

// Run applies queued ops until ctx is done, then flushes what is left.
func (m *PresenceMirror) Run(ctx context.Context) error {
	for {
		select {
		case op := <-m.ops:
			m.apply(op)
		case <-ctx.Done():
			for {
				select {
				case op := <-m.ops:
					m.apply(op)
				default:
					return nil
				}
			}
		}
	}
}

func (m *PresenceMirror) apply(op presenceOp) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	var err error
	if op.online {
		err = m.store.Online(ctx, op.userID)
	} else {
		err = m.store.Offline(ctx, op.userID)
	}
	if err != nil {
		m.log.Warn("mirror presence", zap.Int64("user_id", op.userID), zap.Error(err))
	}
}
