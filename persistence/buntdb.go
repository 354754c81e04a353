package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/tcriess/powerslides/config"
	"github.com/tcriess/powerslides/globals"
	"github.com/tidwall/buntdb"
)

const (
	memoryPath = ":memory:"
	sessionKey = "session:current"
)

type BuntDBPersist struct {
	db   *buntdb.DB
	lock *flock.Flock
	ttl  time.Duration
}

// NewBuntPersister opens the session store configured in cfg. A file backed
// store is guarded by an exclusive lock file next to it, so only one agent
// uses it at a time.
func NewBuntPersister(cfg config.PresenterConfig) (Persister, error) {
	path := cfg.SessionPath
	if path == "" {
		path = memoryPath
	}
	var lock *flock.Flock
	if path != memoryPath {
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("could not lock %s: %w", lock.Path(), err)
		}
		if !locked {
			return nil, ErrLocked
		}
	}
	db, err := buntdb.Open(path)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}
	return &BuntDBPersist{db: db, lock: lock, ttl: cfg.SessionTTL}, nil
}

func (p *BuntDBPersist) StoreSession(session Session) error {
	s, err := json.Marshal(session)
	if err != nil {
		return err
	}
	var opts *buntdb.SetOptions
	if p.ttl > 0 {
		opts = &buntdb.SetOptions{Expires: true, TTL: p.ttl}
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(sessionKey, string(s), opts)
		return err
	})
}

// GetSession returns the stored session or ErrNoSession.
func (p *BuntDBPersist) GetSession() (*Session, error) {
	session := &Session{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(sessionKey)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(s), session)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (p *BuntDBPersist) DeleteSession() error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(sessionKey)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

func (p *BuntDBPersist) Close() error {
	err := p.db.Close()
	if p.lock != nil {
		if uerr := p.lock.Unlock(); uerr != nil {
			globals.AppLogger.Error("could not release session lock", "error", uerr)
		}
	}
	return err
}
