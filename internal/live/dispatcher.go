package live

import (
	"context"
	"fmt"
)

// Forwarder hands an event to whichever gateway owns userID's connection
// when it is not registered on this process. It reports whether the event
// was handed off.
type Forwarder interface {
	Forward(ctx context.Context, userID int64, ev *Event) (bool, error)
}

// Dispatcher routes single-user events: the local registry first, then the
// optional forwarder.
type Dispatcher struct {
	registry  *Registry
	forwarder Forwarder
}

func NewDispatcher(registry *Registry, forwarder Forwarder) *Dispatcher {
	return &Dispatcher{registry: registry, forwarder: forwarder}
}

// Deliver pushes ev to userID. It returns false with a nil error when the
// user has no live connection anywhere; that is not a failure, the message
// is already durable.
func (d *Dispatcher) Deliver(ctx context.Context, userID int64, ev *Event) (bool, error) {
	if sink, ok := d.registry.Lookup(userID); ok {
		if err := sink.Push(ev); err != nil {
			return false, fmt.Errorf("push %s to user %d: %w", ev.Name, userID, err)
		}
		return true, nil
	}
	if d.forwarder == nil {
		return false, nil
	}
	return d.forwarder.Forward(ctx, userID, ev)
}

// DeliverLocal is Deliver without forwarding. Gateways use it for events
// relayed to them so a frame never bounces between processes.
func (d *Dispatcher) DeliverLocal(userID int64, ev *Event) (bool, error) {
	sink, ok := d.registry.Lookup(userID)
	if !ok {
		return false, nil
	}
	if err := sink.Push(ev); err != nil {
		return false, fmt.Errorf("push %s to user %d: %w", ev.Name, userID, err)
	}
	return true, nil
}
