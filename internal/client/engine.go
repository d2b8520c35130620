package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dmchat/internal/domain"
	"dmchat/internal/live"
)

// ErrNoRecipient is returned by Send when no conversation is focused.
var ErrNoRecipient = fmt.Errorf("%w: no conversation selected", domain.ErrInvalidInput)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Notifier shows REST failures to the user.
type Notifier interface {
	Notify(err error)
}

type NotifierFunc func(err error)

func (f NotifierFunc) Notify(err error) { f(err) }

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithOnChange registers a callback run after every state change. It is
// called without the engine lock held.
func WithOnChange(fn func()) Option {
	return func(e *Engine) { e.onChange = fn }
}

const requestTimeout = 10 * time.Second

// Engine reconciles REST history, live pushes and the per-peer unseen
// ledger for one signed-in user. Live events come in through HandleEvent
// and SetState; UI actions through Focus, Send and LoadSidebar.
type Engine struct {
	api      API
	self     int64
	notifier Notifier
	onChange func()
	log      *zap.Logger

	mu           sync.Mutex
	state        State
	online       map[int64]struct{}
	peers        []Peer
	ledger       map[int64]int
	focused      int64
	focusGen     uint64
	conversation []Message

	async sync.WaitGroup
}

func NewEngine(api API, selfID int64, opts ...Option) *Engine {
	e := &Engine{
		api:    api,
		self:   selfID,
		log:    zap.NewNop(),
		online: make(map[int64]struct{}),
		ledger: make(map[int64]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetState records a transport state transition.
func (e *Engine) SetState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	if changed {
		e.log.Debug("connection state", zap.Stringer("state", s))
		e.changed()
	}
}

// HandleEvent applies one frame from the live channel.
func (e *Engine) HandleEvent(ev *live.Event) {
	switch ev.Name {
	case live.EventOnlineUsers:
		var ids []int64
		if err := ev.Decode(&ids); err != nil {
			e.log.Warn("bad presence frame", zap.Error(err))
			return
		}
		e.setOnline(ids)
	case live.EventNewMessage:
		var m Message
		if err := ev.Decode(&m); err != nil {
			e.log.Warn("bad message frame", zap.Error(err))
			return
		}
		e.receive(m)
	case live.EventNewMessageSent:
		var m Message
		if err := ev.Decode(&m); err != nil {
			e.log.Warn("bad message frame", zap.Error(err))
			return
		}
		e.echo(m)
	case live.EventError:
		e.log.Warn("server reported error", zap.ByteString("data", ev.Data))
	default:
		e.log.Debug("ignoring event", zap.String("event", ev.Name))
	}
}

func (e *Engine) setOnline(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	e.mu.Lock()
	e.online = set
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) receive(m Message) {
	e.mu.Lock()
	focused := m.SenderID == e.focused && e.focused != 0
	if focused {
		m.Seen = true
		e.appendLocked(m)
	} else {
		e.ledger[m.SenderID]++
	}
	e.mu.Unlock()

	if focused {
		e.background(func(ctx context.Context) error {
			return e.api.MarkSeen(ctx, m.ID)
		})
	}
	e.changed()
}

func (e *Engine) echo(m Message) {
	e.mu.Lock()
	relevant := e.focused != 0 && m.ReceiverID == e.focused
	if relevant {
		e.appendLocked(m)
	}
	e.mu.Unlock()
	if relevant {
		e.changed()
	}
}

// Focus switches the open conversation to peerID. The peer's unseen count
// drops to zero immediately; history is then fetched and replaces the
// conversation, keeping any pushes that arrived meanwhile.
func (e *Engine) Focus(ctx context.Context, peerID int64) error {
	e.mu.Lock()
	e.focusGen++
	gen := e.focusGen
	e.focused = peerID
	e.ledger[peerID] = 0
	e.conversation = nil
	e.mu.Unlock()
	e.changed()

	history, err := e.api.History(ctx, peerID)

	e.mu.Lock()
	if gen != e.focusGen {
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		e.mu.Unlock()
		e.notify(err)
		return err
	}
	pushed := e.conversation
	e.conversation = make([]Message, 0, len(history)+len(pushed))
	unseen := false
	for _, m := range history {
		if m.ReceiverID == e.self && m.SenderID == peerID && !m.Seen {
			m.Seen = true
			unseen = true
		}
		e.appendLocked(m)
	}
	for _, m := range pushed {
		e.appendLocked(m)
	}
	e.mu.Unlock()

	if unseen {
		e.background(func(ctx context.Context) error {
			return e.api.MarkConversationSeen(ctx, peerID)
		})
	}
	e.changed()
	return nil
}

// Send posts a message to the focused peer and appends the stored result.
func (e *Engine) Send(ctx context.Context, text string, image *string) (*Message, error) {
	e.mu.Lock()
	peer := e.focused
	e.mu.Unlock()
	if peer == 0 {
		return nil, ErrNoRecipient
	}

	m, err := e.api.Send(ctx, peer, text, image)
	if err != nil {
		e.notify(err)
		return nil, err
	}
	e.mu.Lock()
	if e.focused == m.ReceiverID {
		e.appendLocked(*m)
	}
	e.mu.Unlock()
	e.changed()
	return m, nil
}

// LoadSidebar seeds the peer list and unseen ledger from the server. The
// server's counts replace the ledger wholesale, so live increments made
// before the reload are superseded. The response carries counts rather than
// message ids: a push for a message the server already counted that is
// handled after the reload is counted again. Focusing that peer clears it.
func (e *Engine) LoadSidebar(ctx context.Context) error {
	sb, err := e.api.Sidebar(ctx)
	if err != nil {
		e.notify(err)
		return err
	}
	e.mu.Lock()
	e.peers = sb.Users
	e.ledger = make(map[int64]int, len(sb.Unseen))
	for peer, n := range sb.Unseen {
		if peer != e.focused {
			e.ledger[peer] = n
		}
	}
	e.mu.Unlock()
	e.changed()
	return nil
}

// Logout clears all session state.
func (e *Engine) Logout() {
	e.mu.Lock()
	e.state = Disconnected
	e.online = make(map[int64]struct{})
	e.peers = nil
	e.ledger = make(map[int64]int)
	e.focused = 0
	e.focusGen++
	e.conversation = nil
	e.mu.Unlock()
	e.changed()
}

// Wait blocks until background REST calls have finished.
func (e *Engine) Wait() {
	e.async.Wait()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Self() int64 { return e.self }

func (e *Engine) Focused() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focused
}

// OnlineIDs returns the current presence set in ascending order.
func (e *Engine) OnlineIDs() []int64 {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.online))
	for id := range e.online {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *Engine) IsOnline(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.online[userID]
	return ok
}

// Conversation returns a copy of the focused conversation.
func (e *Engine) Conversation() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.conversation...)
}

func (e *Engine) Unseen(peerID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger[peerID]
}

func (e *Engine) Peers() []Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Peer(nil), e.peers...)
}

// appendLocked inserts m keeping (CreatedAt, ID) order. A message already
// present is merged rather than duplicated; seen never reverts.
func (e *Engine) appendLocked(m Message) {
	for i := range e.conversation {
		if e.conversation[i].ID == m.ID {
			e.conversation[i].Seen = e.conversation[i].Seen || m.Seen
			return
		}
	}
	i := sort.Search(len(e.conversation), func(i int) bool {
		c := e.conversation[i]
		if !c.CreatedAt.Equal(m.CreatedAt) {
			return c.CreatedAt.After(m.CreatedAt)
		}
		return c.ID > m.ID
	})
	e.conversation = append(e.conversation, Message{})
	copy(e.conversation[i+1:], e.conversation[i:])
	e.conversation[i] = m
}

func (e *Engine) background(call func(ctx context.Context) error) {
	e.async.Add(1)
	go func() {
		defer e.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := call(ctx); err != nil {
			e.notify(err)
		}
	}()
}

func (e *Engine) notify(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	e.log.Debug("request failed", zap.Error(err))
	if e.notifier != nil {
		e.notifier.Notify(err)
	}
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}
