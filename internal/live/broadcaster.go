package live

import (
	"slices"

	"go.uber.org/zap"
)

// Broadcaster pushes presence snapshots to connected sinks. Presence is
// advisory: there is no retry and no acknowledgement, the next registry
// mutation publishes a fresh snapshot anyway.
type Broadcaster struct {
	log *zap.Logger
}

func NewBroadcaster(log *zap.Logger) *Broadcaster {
	return &Broadcaster{log: log}
}

// Broadcast encodes ids once and pushes the result to every sink. It returns
// the number of sinks that accepted the event.
func (b *Broadcaster) Broadcast(ids []int64, sinks []LiveSink) int {
	if ids == nil {
		ids = []int64{}
	}
	slices.Sort(ids)

	ev, err := NewEvent(EventOnlineUsers, ids)
	if err != nil {
		b.log.Error("encode presence snapshot", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, sink := range sinks {
		if err := sink.Push(ev); err != nil {
			b.log.Warn("presence push failed", zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}
