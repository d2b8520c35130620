package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dmchat/internal/domain"
	"dmchat/internal/live"
)

// EventHandler consumes what the transport reads; Engine implements it.
type EventHandler interface {
	HandleEvent(ev *live.Event)
	SetState(s State)
}

type TransportOption func(*Transport)

// WithBackoff replaces the reconnect policy. The factory is called once per
// Run.
func WithBackoff(newBackoff func() backoff.BackOff) TransportOption {
	return func(t *Transport) { t.newBackoff = newBackoff }
}

func WithTransportLogger(log *zap.Logger) TransportOption {
	return func(t *Transport) { t.log = log }
}

// Transport keeps one websocket to the server open, reconnecting with
// exponential backoff until its context ends.
type Transport struct {
	url        string
	token      string
	dialer     *websocket.Dialer
	newBackoff func() backoff.BackOff
	log        *zap.Logger
}

func NewTransport(wsURL, token string, opts ...TransportOption) *Transport {
	t := &Transport{
		url:   wsURL,
		token: token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"bearer", token},
		},
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			b.MaxInterval = 30 * time.Second
			return b
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run blocks until ctx is cancelled or the server rejects the credentials.
func (t *Transport) Run(ctx context.Context, h EventHandler) error {
	bo := t.newBackoff()
	state := Connecting
	defer h.SetState(Disconnected)

	for {
		h.SetState(state)
		conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
		if err == nil {
			bo.Reset()
			h.SetState(Connected)
			err = t.read(ctx, conn, h)
		} else if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: live channel rejected credentials", domain.ErrUnauthorized)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("connection closed by server")
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("live channel: giving up: %w", err)
		}
		t.log.Info("live channel down, retrying", zap.Duration("in", wait), zap.Error(err))
		state = Reconnecting
		h.SetState(state)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (t *Transport) read(ctx context.Context, conn *websocket.Conn, h EventHandler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, context.Canceled) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		ev, err := live.ParseEvent(data)
		if err != nil {
			t.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		h.HandleEvent(ev)
	}
}
