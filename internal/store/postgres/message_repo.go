package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, text, image, seen, created_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW())
		RETURNING id, seen, created_at
	`, m.SenderID, m.ReceiverID, m.Text, m.Image,
	).Scan(&m.ID, &m.Seen, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := scanMessageRow(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) MarkSeen(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET seen=TRUE WHERE id=$1 AND seen=FALSE`, id)
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
		UPDATE messages SET seen=TRUE
		WHERE sender_id=$1 AND receiver_id=$2 AND seen=FALSE
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
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC
	`, a, b)
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
			SELECT receiver_id AS peer_id, created_at FROM messages WHERE sender_id = $1
			UNION ALL
			SELECT sender_id AS peer_id, created_at FROM messages WHERE receiver_id = $1
		) AS exchanged
		WHERE peer_id <> $1
		GROUP BY peer_id
		ORDER BY last_activity DESC, peer_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var res []domain.PeerActivity
	for rows.Next() {
		var p domain.PeerActivity
		if err := rows.Scan(&p.PeerID, &p.LastActivity); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r *MessageRepo) UnseenCounts(ctx context.Context, receiverID int64) (map[int64]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sender_id, COUNT(*)
		FROM messages
		WHERE receiver_id = $1 AND seen = FALSE
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

func scanMessageRow(s rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	err := s.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Image, &m.Seen, &m.CreatedAt)
	return m, err
}
