package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dmchat/internal/live"
)

const subjectPrefix = "dmchat.gateway."

func gatewaySubject(gatewayID string) string { return subjectPrefix + gatewayID }

// envelope carries an already-encoded live frame to the gateway that owns
// the receiving user.
type envelope struct {
	UserID int64           `json:"user_id"`
	Frame  json.RawMessage `json:"frame"`
}

func encodeEnvelope(userID int64, ev *live.Event) ([]byte, error) {
	return json.Marshal(envelope{UserID: userID, Frame: ev.Frame()})
}

func decodeEnvelope(data []byte) (int64, *live.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return 0, nil, errors.Wrap(err, "decode relay envelope")
	}
	if env.UserID <= 0 {
		return 0, nil, errors.Errorf("relay envelope has no user id")
	}
	ev, err := live.ParseEvent(env.Frame)
	if err != nil {
		return 0, nil, err
	}
	return env.UserID, ev, nil
}

// ConnectNATS connects with unlimited reconnects.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return nc, nil
}

// gatewayLookup resolves which gateway owns a user; Presence implements it.
type gatewayLookup interface {
	Lookup(ctx context.Context, userID int64) (string, bool, error)
}

// LocalDeliverer pushes a relayed event to a connection on this gateway.
type LocalDeliverer interface {
	DeliverLocal(userID int64, ev *live.Event) (bool, error)
}

// Relay forwards events for users connected to other gateways over NATS.
// It implements live.Forwarder.
type Relay struct {
	nc        *nats.Conn
	presence  gatewayLookup
	gatewayID string
	log       *zap.Logger
}

func NewRelay(nc *nats.Conn, presence gatewayLookup, gatewayID string, log *zap.Logger) *Relay {
	return &Relay{nc: nc, presence: presence, gatewayID: gatewayID, log: log}
}

// Forward publishes ev to the owning gateway's subject. A key naming this
// gateway is stale (the local registry already missed) and is treated as
// offline.
func (r *Relay) Forward(ctx context.Context, userID int64, ev *live.Event) (bool, error) {
	gw, online, err := r.presence.Lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	if !online || gw == r.gatewayID {
		return false, nil
	}
	data, err := encodeEnvelope(userID, ev)
	if err != nil {
		return false, errors.Wrap(err, "encode relay envelope")
	}
	if err := r.nc.Publish(gatewaySubject(gw), data); err != nil {
		return false, errors.Wrapf(err, "publish to gateway %s", gw)
	}
	return true, nil
}

// Subscribe delivers frames addressed to this gateway through d.
func (r *Relay) Subscribe(d LocalDeliverer) (*nats.Subscription, error) {
	sub, err := r.nc.Subscribe(gatewaySubject(r.gatewayID), func(msg *nats.Msg) {
		userID, ev, err := decodeEnvelope(msg.Data)
		if err != nil {
			r.log.Warn("drop relayed frame", zap.Error(err))
			return
		}
		if _, err := d.DeliverLocal(userID, ev); err != nil {
			r.log.Warn("relayed delivery failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", gatewaySubject(r.gatewayID))
	}
	return sub, nil
}
