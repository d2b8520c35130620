package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"dmchat/internal/domain"
)

// Message mirrors the server's message response.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Text       string    `json:"text,omitempty"`
	Image      *string   `json:"image,omitempty"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"created_at"`
}

type Peer struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	IsOnline bool   `json:"is_online"`
}

type Sidebar struct {
	Users  []Peer        `json:"users"`
	Unseen map[int64]int `json:"unseen"`
}

// API is the REST surface the engine depends on.
type API interface {
	Sidebar(ctx context.Context) (*Sidebar, error)
	History(ctx context.Context, peerID int64) ([]Message, error)
	Send(ctx context.Context, peerID int64, text string, image *string) (*Message, error)
	MarkSeen(ctx context.Context, messageID int64) error
	MarkConversationSeen(ctx context.Context, peerID int64) error
}

// APIError is a non-2xx response. It unwraps to the matching domain error
// so callers can use errors.Is.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return domain.ErrInvalidInput
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	default:
		return domain.ErrInternal
	}
}

// HTTPAPI talks to the dmchat REST API with resty.
type HTTPAPI struct {
	rc *resty.Client
}

func NewHTTPAPI(baseURL, token string) *HTTPAPI {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")
	return &HTTPAPI{rc: rc}
}

type Session struct {
	AccessToken string `json:"access_token"`
	User        Peer   `json:"user"`
}

// Login exchanges credentials for a bearer token.
func Login(ctx context.Context, baseURL, username, password string) (*Session, error) {
	var out Session
	resp, err := resty.New().SetBaseURL(baseURL).R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&out).
		SetError(&APIError{}).
		Post("/api/auth/login")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAPI) Sidebar(ctx context.Context) (*Sidebar, error) {
	var out Sidebar
	resp, err := a.rc.R().SetContext(ctx).SetResult(&out).SetError(&APIError{}).
		Get("/api/messages/users")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAPI) History(ctx context.Context, peerID int64) ([]Message, error) {
	var out []Message
	resp, err := a.rc.R().SetContext(ctx).SetResult(&out).SetError(&APIError{}).
		SetPathParam("peer", strconv.FormatInt(peerID, 10)).
		Get("/api/messages/{peer}")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *HTTPAPI) Send(ctx context.Context, peerID int64, text string, image *string) (*Message, error) {
	var out Message
	resp, err := a.rc.R().SetContext(ctx).SetResult(&out).SetError(&APIError{}).
		SetPathParam("peer", strconv.FormatInt(peerID, 10)).
		SetBody(map[string]any{"text": text, "image": image}).
		Post("/api/messages/send/{peer}")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAPI) MarkSeen(ctx context.Context, messageID int64) error {
	resp, err := a.rc.R().SetContext(ctx).SetError(&APIError{}).
		SetPathParam("id", strconv.FormatInt(messageID, 10)).
		Put("/api/messages/mark/{id}")
	return check(resp, err)
}

func (a *HTTPAPI) MarkConversationSeen(ctx context.Context, peerID int64) error {
	resp, err := a.rc.R().SetContext(ctx).SetError(&APIError{}).
		SetPathParam("peer", strconv.FormatInt(peerID, 10)).
		Put("/api/messages/mark-all/{peer}")
	return check(resp, err)
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("api request: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr == nil {
		apiErr = &APIError{Message: resp.Status()}
	}
	apiErr.Status = resp.StatusCode()
	return apiErr
}
