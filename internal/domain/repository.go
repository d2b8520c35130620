package domain

import (
	"context"
)

// UserRepository defines persistence operations for users. It doubles as the
// user directory the messaging core resolves receivers against.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	ListByIDs(ctx context.Context, ids []int64) ([]*User, error)
	ListActive(ctx context.Context, offset, limit int) ([]*User, error)
	SetOnlineStatus(ctx context.Context, id int64, isOnline bool) error
	// ClearOnline marks every user offline and returns how many changed.
	ClearOnline(ctx context.Context) (int64, error)
}

// MessageRepository defines persistence operations for direct messages.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id int64) (*Message, error)
	// MarkSeen flips seen to true and reports whether a row changed.
	MarkSeen(ctx context.Context, id int64) (bool, error)
	MarkSeenFrom(ctx context.Context, senderID, receiverID int64) (int64, error)
	// ListBetween returns every message exchanged by a and b ordered by
	// created_at, then id.
	ListBetween(ctx context.Context, a, b int64) ([]*Message, error)
	ListPeers(ctx context.Context, userID int64) ([]PeerActivity, error)
	// UnseenCounts maps sender id to the number of unseen messages sent to
	// receiverID.
	UnseenCounts(ctx context.Context, receiverID int64) (map[int64]int, error)
}
