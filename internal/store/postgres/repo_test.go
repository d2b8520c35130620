package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmchat/internal/domain"
)

func TestRepos_WrapErrors(t *testing.T) {
	// sql.Open is lazy; the cancelled context fails before any dial.
	db, err := sql.Open("pgx", "postgres://dmchat@127.0.0.1:1/dmchat")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = NewMessageRepo(db).Create(ctx, &domain.Message{SenderID: 1, ReceiverID: 2, Text: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "insert message")

	err = NewUserRepo(db).SetOnlineStatus(ctx, 1, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "set online status")

	err = NewUserRepo(db).Create(ctx, &domain.User{Username: "x", HashedPassword: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrConflict)
}

// Runs against a live server when DMCHAT_TEST_POSTGRES_URL is set.
func TestMessageRepo_Postgres(t *testing.T) {
	dsn := os.Getenv("DMCHAT_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("DMCHAT_TEST_POSTGRES_URL not set")
	}
	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))

	ctx := context.Background()
	users, messages := NewUserRepo(db), NewMessageRepo(db)
	suffix := time.Now().UnixNano()
	newUser := func(name string) *domain.User {
		u := &domain.User{Username: fmt.Sprintf("%s-%d", name, suffix), HashedPassword: "x"}
		require.NoError(t, users.Create(ctx, u))
		return u
	}
	a, b := newUser("a"), newUser("b")

	err = users.Create(ctx, &domain.User{Username: a.Username, HashedPassword: "x"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	insert := func(from, to *domain.User, at time.Time) int64 {
		var id int64
		require.NoError(t, db.QueryRowContext(ctx,
			`INSERT INTO messages (sender_id, receiver_id, text, seen, created_at) VALUES ($1, $2, 'x', FALSE, $3) RETURNING id`,
			from.ID, to.ID, at).Scan(&id))
		return id
	}
	first := insert(a, b, ts)
	second := insert(b, a, ts)
	earliest := insert(a, b, ts.Add(-time.Second))

	msgs, err := messages.ListBetween(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []int64{earliest, first, second}, []int64{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	peers, err := messages.ListPeers(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, b.ID, peers[0].PeerID)
	assert.True(t, ts.Equal(peers[0].LastActivity))

	counts, err := messages.UnseenCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{a.ID: 2}, counts)

	n, err := messages.MarkSeenFrom(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	m := &domain.Message{SenderID: a.ID, ReceiverID: b.ID, Text: "live"}
	require.NoError(t, messages.Create(ctx, m))
	assert.NotZero(t, m.ID)
	assert.False(t, m.Seen)
}
