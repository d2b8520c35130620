package domain

import "time"

// User represents an application user.
type User struct {
	ID             int64     `db:"id" json:"id"`
	Username       string    `db:"username" json:"username"`
	Email          *string   `db:"email" json:"email,omitempty"`
	FullName       string    `db:"full_name" json:"full_name"`
	ProfilePic     *string   `db:"profile_pic" json:"profile_pic,omitempty"`
	Bio            *string   `db:"bio" json:"bio,omitempty"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	IsOnline       bool      `db:"is_online" json:"is_online"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastSeen       time.Time `db:"last_seen" json:"last_seen"`
}

// Message is a single direct message between two users. Everything except
// Seen is immutable once persisted; Seen only ever goes from false to true.
type Message struct {
	ID         int64     `db:"id"`
	SenderID   int64     `db:"sender_id"`
	ReceiverID int64     `db:"receiver_id"`
	Text       string    `db:"text"` // encrypted at rest
	Image      *string   `db:"image"`
	Seen       bool      `db:"seen"`
	CreatedAt  time.Time `db:"created_at"`
}

// PeerOf returns the other participant of m as seen from userID.
func (m *Message) PeerOf(userID int64) int64 {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// PeerActivity is one row of the sidebar: a user the caller has exchanged
// messages with and the time of the latest message between them.
type PeerActivity struct {
	PeerID       int64
	LastActivity time.Time
}
