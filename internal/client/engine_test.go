package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmchat/internal/domain"
	"dmchat/internal/live"
)

const me = 1

type fakeAPI struct {
	mu         sync.Mutex
	history    map[int64][]Message
	historyErr error
	gate       chan struct{} // when set, History waits on it
	entered    chan struct{}
	sidebar    *Sidebar
	nextID     int64
	sends      int
	marked     []int64
	markedAll  []int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[int64][]Message), nextID: 100}
}

func (f *fakeAPI) Sidebar(context.Context) (*Sidebar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sidebar, nil
}

func (f *fakeAPI) History(ctx context.Context, peerID int64) ([]Message, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]Message(nil), f.history[peerID]...), nil
}

func (f *fakeAPI) Send(_ context.Context, peerID int64, text string, _ *string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	f.nextID++
	return &Message{ID: f.nextID, SenderID: me, ReceiverID: peerID, Text: text, CreatedAt: time.Now()}, nil
}

func (f *fakeAPI) MarkSeen(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeAPI) MarkConversationSeen(_ context.Context, peerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedAll = append(f.markedAll, peerID)
	return nil
}

func event(t *testing.T, name string, payload any) *live.Event {
	t.Helper()
	ev, err := live.NewEvent(name, payload)
	require.NoError(t, err)
	return ev
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id, from, to int64, offset time.Duration) Message {
	return Message{ID: id, SenderID: from, ReceiverID: to, Text: "m", CreatedAt: t0.Add(offset)}
}

func ids(ms []Message) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestEngine_PresenceReplacedWholesale(t *testing.T) {
	e := NewEngine(newFakeAPI(), me)

	e.HandleEvent(event(t, live.EventOnlineUsers, []int64{3, 1, 2}))
	assert.Equal(t, []int64{1, 2, 3}, e.OnlineIDs())

	e.HandleEvent(event(t, live.EventOnlineUsers, []int64{2}))
	assert.Equal(t, []int64{2}, e.OnlineIDs())
	assert.False(t, e.IsOnline(3))

	e.HandleEvent(event(t, live.EventOnlineUsers, []int64{}))
	assert.Empty(t, e.OnlineIDs())
}

func TestEngine_IncomingMessages(t *testing.T) {
	api := newFakeAPI()
	e := NewEngine(api, me)
	require.NoError(t, e.Focus(context.Background(), 2))

	e.HandleEvent(event(t, live.EventNewMessage, msg(10, 2, me, 0)))
	e.HandleEvent(event(t, live.EventNewMessage, msg(11, 3, me, time.Second)))
	e.HandleEvent(event(t, live.EventNewMessage, msg(12, 3, me, 2*time.Second)))
	e.Wait()

	conv := e.Conversation()
	require.Len(t, conv, 1)
	assert.True(t, conv[0].Seen)
	assert.Equal(t, 0, e.Unseen(2))
	assert.Equal(t, 2, e.Unseen(3))
	assert.Equal(t, []int64{10}, api.marked)
}

func TestEngine_EchoOnlyForFocusedPeer(t *testing.T) {
	e := NewEngine(newFakeAPI(), me)
	require.NoError(t, e.Focus(context.Background(), 2))

	e.HandleEvent(event(t, live.EventNewMessageSent, msg(20, me, 2, 0)))
	e.HandleEvent(event(t, live.EventNewMessageSent, msg(21, me, 3, time.Second)))

	assert.Equal(t, []int64{20}, ids(e.Conversation()))
	assert.Equal(t, 0, e.Unseen(3))
}

func TestEngine_SendIsIdempotentWithEcho(t *testing.T) {
	api := newFakeAPI()
	e := NewEngine(api, me)
	require.NoError(t, e.Focus(context.Background(), 2))

	sent, err := e.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	e.HandleEvent(event(t, live.EventNewMessageSent, *sent))

	assert.Equal(t, []int64{sent.ID}, ids(e.Conversation()))
}

func TestEngine_SendWithoutFocus(t *testing.T) {
	api := newFakeAPI()
	e := NewEngine(api, me)

	_, err := e.Send(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrNoRecipient)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, api.sends)
}

func TestEngine_FocusMergesPushesDuringFetch(t *testing.T) {
	api := newFakeAPI()
	api.history[2] = []Message{msg(1, 2, me, 0), msg(2, me, 2, time.Second), msg(3, 2, me, 2*time.Second)}
	api.gate = make(chan struct{})
	api.entered = make(chan struct{}, 1)

	e := NewEngine(api, me)
	e.HandleEvent(event(t, live.EventNewMessage, msg(1, 2, me, 0)))
	assert.Equal(t, 1, e.Unseen(2))

	done := make(chan error, 1)
	go func() { done <- e.Focus(context.Background(), 2) }()
	<-api.entered
	assert.Equal(t, 0, e.Unseen(2), "ledger resets with the switch, before history arrives")

	// Arrives while the history request is in flight and is also part of it.
	e.HandleEvent(event(t, live.EventNewMessage, msg(3, 2, me, 2*time.Second)))
	// Arrives while in flight but after the server built the response.
	e.HandleEvent(event(t, live.EventNewMessage, msg(4, 2, me, 3*time.Second)))
	close(api.gate)
	require.NoError(t, <-done)
	e.Wait()

	conv := e.Conversation()
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(conv))
	for _, m := range conv {
		if m.ReceiverID == me {
			assert.True(t, m.Seen, "message %d", m.ID)
		}
	}
	assert.Equal(t, 0, e.Unseen(2))
	assert.Equal(t, []int64{2}, api.markedAll)
}

func TestEngine_StaleFocusDiscarded(t *testing.T) {
	api := newFakeAPI()
	api.history[2] = []Message{msg(1, 2, me, 0)}
	api.history[3] = []Message{msg(5, 3, me, 0)}
	api.gate = make(chan struct{})
	api.entered = make(chan struct{}, 1)

	e := NewEngine(api, me)
	done := make(chan error, 1)
	go func() { done <- e.Focus(context.Background(), 2) }()
	<-api.entered

	api.mu.Lock()
	firstGate := api.gate
	api.gate, api.entered = nil, nil
	api.mu.Unlock()
	require.NoError(t, e.Focus(context.Background(), 3))

	close(firstGate)
	require.NoError(t, <-done)

	assert.Equal(t, int64(3), e.Focused())
	assert.Equal(t, []int64{5}, ids(e.Conversation()))
}

func TestEngine_RESTErrorsNotify(t *testing.T) {
	api := newFakeAPI()
	boom := errors.New("server down")
	api.historyErr = boom

	var got []error
	e := NewEngine(api, me, WithNotifier(NotifierFunc(func(err error) { got = append(got, err) })))
	err := e.Focus(context.Background(), 2)
	assert.ErrorIs(t, err, boom)
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], boom)
}

func TestEngine_LoadSidebar(t *testing.T) {
	api := newFakeAPI()
	api.sidebar = &Sidebar{
		Users:  []Peer{{ID: 3, Username: "carol"}, {ID: 2, Username: "bob"}},
		Unseen: map[int64]int{2: 4, 3: 1},
	}
	e := NewEngine(api, me)
	require.NoError(t, e.Focus(context.Background(), 3))
	require.NoError(t, e.LoadSidebar(context.Background()))

	assert.Len(t, e.Peers(), 2)
	assert.Equal(t, 4, e.Unseen(2))
	assert.Equal(t, 0, e.Unseen(3), "focused peer stays at zero")
}

func TestEngine_LoadSidebarSupersedesLiveCounts(t *testing.T) {
	api := newFakeAPI()
	api.sidebar = &Sidebar{Users: []Peer{{ID: 2, Username: "bob"}}, Unseen: map[int64]int{2: 2}}
	e := NewEngine(api, me)

	e.HandleEvent(event(t, live.EventNewMessage, msg(40, 2, me, 0)))
	e.HandleEvent(event(t, live.EventNewMessage, msg(41, 2, me, time.Second)))
	e.HandleEvent(event(t, live.EventNewMessage, msg(42, 3, me, time.Second)))
	require.Equal(t, 2, e.Unseen(2))

	require.NoError(t, e.LoadSidebar(context.Background()))
	assert.Equal(t, 2, e.Unseen(2))
	assert.Equal(t, 0, e.Unseen(3), "peers absent from the server counts reset")
}

func TestEngine_EqualTimestampsOrderByID(t *testing.T) {
	e := NewEngine(newFakeAPI(), me)
	require.NoError(t, e.Focus(context.Background(), 2))

	e.HandleEvent(event(t, live.EventNewMessage, msg(31, 2, me, 0)))
	e.HandleEvent(event(t, live.EventNewMessageSent, msg(30, me, 2, 0)))
	e.HandleEvent(event(t, live.EventNewMessage, msg(29, 2, me, -time.Second)))
	e.HandleEvent(event(t, live.EventNewMessage, msg(32, 2, me, 0)))
	e.Wait()

	assert.Equal(t, []int64{29, 30, 31, 32}, ids(e.Conversation()))
}

func TestEngine_StatesAndLogout(t *testing.T) {
	var changes int
	e := NewEngine(newFakeAPI(), me, WithOnChange(func() { changes++ }))
	assert.Equal(t, Disconnected, e.State())

	e.SetState(Connecting)
	e.SetState(Connected)
	e.HandleEvent(event(t, live.EventOnlineUsers, []int64{1, 2}))
	e.SetState(Reconnecting)
	e.SetState(Connected)
	assert.Equal(t, Connected, e.State())

	e.Logout()
	assert.Equal(t, Disconnected, e.State())
	assert.Empty(t, e.OnlineIDs())
	assert.Zero(t, e.Focused())
	assert.Equal(t, 6, changes)
}
