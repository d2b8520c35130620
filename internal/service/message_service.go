package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dmchat/internal/domain"
	"dmchat/internal/live"
	"dmchat/internal/security"
)

const maxTextRunes = 5000

// Deliverer pushes a live event to one user; live.Dispatcher implements it.
type Deliverer interface {
	Deliver(ctx context.Context, userID int64, ev *live.Event) (bool, error)
}

// MessageService owns the durable message path and triggers live delivery
// once a message is stored.
type MessageService struct {
	messages  domain.MessageRepository
	users     domain.UserRepository
	encryptor *security.Encryptor
	live      Deliverer
	log       *zap.Logger
}

func NewMessageService(
	messages domain.MessageRepository,
	users domain.UserRepository,
	encryptor *security.Encryptor,
	deliverer Deliverer,
	log *zap.Logger,
) *MessageService {
	return &MessageService{
		messages:  messages,
		users:     users,
		encryptor: encryptor,
		live:      deliverer,
		log:       log,
	}
}

type SendInput struct {
	Text  string
	Image *string
}

// MessageResponse is the message record exposed over HTTP and pushed on the
// live channel.
type MessageResponse struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Text       string    `json:"text,omitempty"`
	Image      *string   `json:"image,omitempty"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"created_at"`
}

// Send stores a message from senderID to receiverID, then pushes it live to
// the receiver (newMessage) and back to the sender's own connection
// (newMessageSent). Live delivery never fails the call.
func (s *MessageService) Send(ctx context.Context, senderID, receiverID int64, in SendInput) (*MessageResponse, error) {
	text := strings.TrimSpace(in.Text)
	var image *string
	if in.Image != nil && strings.TrimSpace(*in.Image) != "" {
		img := strings.TrimSpace(*in.Image)
		image = &img
	}
	if text == "" && image == nil {
		return nil, fmt.Errorf("%w: message content cannot be empty", domain.ErrInvalidInput)
	}
	if len([]rune(text)) > maxTextRunes {
		return nil, fmt.Errorf("%w: message text exceeds %d characters", domain.ErrInvalidInput, maxTextRunes)
	}

	receiver, err := s.users.GetByID(ctx, receiverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: receiver %d", domain.ErrNotFound, receiverID)
		}
		return nil, fmt.Errorf("resolve receiver: %w", err)
	}
	if !receiver.IsActive {
		return nil, fmt.Errorf("%w: receiver %d", domain.ErrNotFound, receiverID)
	}

	sealed, err := s.encryptor.Encrypt(text)
	if err != nil {
		return nil, fmt.Errorf("encrypt text: %w", err)
	}
	msg := &domain.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       sealed,
		Image:      image,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	resp := s.toResponse(msg)
	resp.Text = text
	s.deliver(ctx, resp)
	return resp, nil
}

// deliver fans the stored message out to both parties concurrently. It
// waits for the non-blocking pushes so callers observe them in order.
func (s *MessageService) deliver(ctx context.Context, m *MessageResponse) {
	var g errgroup.Group
	push := func(userID int64, name string) {
		g.Go(func() error {
			ev, err := live.NewEvent(name, m)
			if err != nil {
				s.log.Error("encode live event", zap.String("event", name), zap.Error(err))
				return nil
			}
			if _, err := s.live.Deliver(ctx, userID, ev); err != nil {
				s.log.Warn("live delivery failed",
					zap.String("event", name),
					zap.Int64("message_id", m.ID),
					zap.Int64("user_id", userID),
					zap.Error(err))
			}
			return nil
		})
	}
	push(m.ReceiverID, live.EventNewMessage)
	push(m.SenderID, live.EventNewMessageSent)
	_ = g.Wait()
}

// MarkSeen marks one received message as seen. Repeating it is a no-op.
func (s *MessageService) MarkSeen(ctx context.Context, messageID, requesterID int64) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: message %d", domain.ErrNotFound, messageID)
		}
		return fmt.Errorf("get message: %w", err)
	}
	if msg.ReceiverID != requesterID {
		return fmt.Errorf("%w: only the receiver can mark a message as seen", domain.ErrForbidden)
	}
	if msg.Seen {
		return nil
	}
	if _, err := s.messages.MarkSeen(ctx, messageID); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// MarkConversationSeen marks every unseen message from peerID to
// requesterID as seen and returns how many changed.
func (s *MessageService) MarkConversationSeen(ctx context.Context, peerID, requesterID int64) (int64, error) {
	if _, err := s.users.GetByID(ctx, peerID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("%w: user %d", domain.ErrNotFound, peerID)
		}
		return 0, fmt.Errorf("resolve peer: %w", err)
	}
	n, err := s.messages.MarkSeenFrom(ctx, peerID, requesterID)
	if err != nil {
		return 0, fmt.Errorf("mark conversation seen: %w", err)
	}
	return n, nil
}

// History returns the full conversation between userA and userB, oldest
// first.
func (s *MessageService) History(ctx context.Context, userA, userB int64) ([]*MessageResponse, error) {
	if _, err := s.users.GetByID(ctx, userB); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %d", domain.ErrNotFound, userB)
		}
		return nil, fmt.Errorf("resolve peer: %w", err)
	}
	msgs, err := s.messages.ListBetween(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	res := make([]*MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		res = append(res, s.toResponse(m))
	}
	return res, nil
}

// Sidebar lists the users the caller has exchanged messages with and how
// many of their messages the caller has not seen.
type Sidebar struct {
	Users  []*domain.User `json:"users"`
	Unseen map[int64]int  `json:"unseen"`
}

func (s *MessageService) SidebarSummary(ctx context.Context, userID int64) (*Sidebar, error) {
	peers, err := s.messages.ListPeers(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(peers))
	for i, p := range peers {
		ids[i] = p.PeerID
	}
	users, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	byID := make(map[int64]*domain.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	ordered := make([]*domain.User, 0, len(users))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			ordered = append(ordered, u)
		}
	}

	unseen, err := s.messages.UnseenCounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Notes to self are not listed as a peer, so they carry no badge either.
	delete(unseen, userID)
	return &Sidebar{Users: ordered, Unseen: unseen}, nil
}

func (s *MessageService) toResponse(m *domain.Message) *MessageResponse {
	text, err := s.encryptor.Decrypt(m.Text)
	if err != nil {
		s.log.Warn("decrypt message", zap.Int64("message_id", m.ID), zap.Error(err))
		text = m.Text
	}
	return &MessageResponse{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       text,
		Image:      m.Image,
		Seen:       m.Seen,
		CreatedAt:  m.CreatedAt,
	}
}
