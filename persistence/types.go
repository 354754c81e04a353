package persistence

import (
	"errors"
	"time"
)

var (
	ErrNoSession = errors.New("no stored session")
	ErrLocked    = errors.New("session store is locked by another process")
)

// Session is the presenter session kept across agent restarts. Timestamps
// are unix milliseconds.
type Session struct {
	SlideID               string `json:"slideId"`
	Password              string `json:"password"`
	PairingCode           string `json:"pairingCode"`
	StartedAt             int64  `json:"startedAt"`
	PresentationStartedAt *int64 `json:"presentationStartedAt,omitempty"`
}

func (s Session) Started() time.Time {
	return time.UnixMilli(s.StartedAt)
}

type Persister interface {
	StoreSession(Session) error
	GetSession() (*Session, error)
	DeleteSession() error
	Close() error
}
