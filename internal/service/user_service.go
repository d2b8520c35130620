package service

import (
	"context"

	"dmchat/internal/domain"
	"dmchat/internal/live"
)

const maxPageSize = 100

// UserService provides the user directory with live presence overlaid.
type UserService struct {
	users    domain.UserRepository
	registry *live.Registry
}

func NewUserService(users domain.UserRepository, registry *live.Registry) *UserService {
	return &UserService{users: users, registry: registry}
}

func (s *UserService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.overlayPresence(u)
	return u, nil
}

// ListActive pages through active users. limit is clamped to [1, 100].
func (s *UserService) ListActive(ctx context.Context, offset, limit int) ([]*domain.User, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	users, err := s.users.ListActive(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		s.overlayPresence(u)
	}
	return users, nil
}

// overlayPresence reports a user as online when this process holds their
// live connection, even if the stored flag lags behind.
func (s *UserService) overlayPresence(u *domain.User) {
	if s.registry == nil || u == nil {
		return
	}
	if _, ok := s.registry.Lookup(u.ID); ok {
		u.IsOnline = true
	}
}

// StoredPresence writes registry presence into the users table. Run it
// behind a live.PresenceMirror so writes land in registry order.
type StoredPresence struct {
	users domain.UserRepository
}

func NewStoredPresence(users domain.UserRepository) *StoredPresence {
	return &StoredPresence{users: users}
}

var _ live.PresenceStore = (*StoredPresence)(nil)

func (p *StoredPresence) Online(ctx context.Context, userID int64) error {
	return p.users.SetOnlineStatus(ctx, userID, true)
}

func (p *StoredPresence) Offline(ctx context.Context, userID int64) error {
	return p.users.SetOnlineStatus(ctx, userID, false)
}
