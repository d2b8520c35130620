package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dmchat/internal/domain"
)

const messageColumns = `id, sender_id, receiver_id, text, image, seen, created_at`

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, text, image, seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.SenderID, m.ReceiverID, m.Text, m.Image, false, createdAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id
	m.Seen = false
	m.CreatedAt = createdAt
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := scanMessageRow(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) MarkSeen(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET seen = 1 WHERE id = ? AND seen = 0`, id)
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *MessageRepo) MarkSeenFrom(ctx context.Context, senderID, receiverID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET seen = 1
		WHERE sender_id = ? AND receiver_id = ? AND seen = 0
	`, senderID, receiverID)
	if err != nil {
		return 0, fmt.Errorf("mark conversation seen: %w", err)
	}
	return res.RowsAffected()
}

func (r *MessageRepo) ListBetween(ctx context.Context, a, b int64) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?)
		   OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC
	`, a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []*domain.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r *MessageRepo) ListPeers(ctx context.Context, userID int64) ([]domain.PeerActivity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT peer_id, MAX(created_at) AS last_activity
		FROM (
			SELECT receiver_id AS peer_id, created_at FROM messages WHERE sender_id = ?
			UNION ALL
			SELECT sender_id AS peer_id, created_at FROM messages WHERE receiver_id = ?
		)
		WHERE peer_id != ?
		GROUP BY peer_id
		ORDER BY last_activity DESC, peer_id ASC
	`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var res []domain.PeerActivity
	for rows.Next() {
		var (
			p    domain.PeerActivity
			last string
		)
		// MAX() loses the column's declared type, so the timestamp comes back as text.
		if err := rows.Scan(&p.PeerID, &last); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		p.LastActivity = parseTimestamp(last)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r *MessageRepo) UnseenCounts(ctx context.Context, receiverID int64) (map[int64]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sender_id, COUNT(*)
		FROM messages
		WHERE receiver_id = ? AND seen = 0
		GROUP BY sender_id
	`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("count unseen: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var (
			senderID int64
			n        int
		)
		if err := rows.Scan(&senderID, &n); err != nil {
			return nil, fmt.Errorf("scan unseen count: %w", err)
		}
		counts[senderID] = n
	}
	return counts, rows.Err()
}

// ── helpers ──────────────────────────────────────────────────────────────────

func scanMessageRow(s rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	err := s.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Image, &m.Seen, &m.CreatedAt)
	return m, err
}

// modernc stores time.Time values using Time.String, which is what MAX()
// hands back; the rest cover rows written by other tools.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
