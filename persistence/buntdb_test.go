package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/powerslides/config"
)

func TestSessionRoundTrip(t *testing.T) {
	p, err := NewBuntPersister(config.PresenterConfig{SessionPath: ":memory:"})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.GetSession()
	assert.True(t, errors.Is(err, ErrNoSession))

	started := int64(1700000000000)
	session := Session{
		SlideID:               "ABCDEFGHIJKL",
		Password:              "ABCDEFGHIJKL",
		PairingCode:           "ABCD-EFGH-IJKL",
		StartedAt:             1699999999000,
		PresentationStartedAt: &started,
	}
	require.NoError(t, p.StoreSession(session))
	got, err := p.GetSession()
	require.NoError(t, err)
	assert.Equal(t, session, *got)
	assert.Equal(t, int64(1699999999000), got.Started().UnixMilli())

	require.NoError(t, p.DeleteSession())
	_, err = p.GetSession()
	assert.True(t, errors.Is(err, ErrNoSession))
	// deleting twice is fine
	require.NoError(t, p.DeleteSession())
}

func TestSessionExpires(t *testing.T) {
	p, err := NewBuntPersister(config.PresenterConfig{SessionPath: ":memory:", SessionTTL: 50 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.StoreSession(Session{SlideID: "A", Password: "A"}))
	_, err = p.GetSession()
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = p.GetSession()
	assert.True(t, errors.Is(err, ErrNoSession))
}

func TestFileStoreIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	cfg := config.PresenterConfig{SessionPath: path}

	p, err := NewBuntPersister(cfg)
	require.NoError(t, err)
	require.NoError(t, p.StoreSession(Session{SlideID: "A", Password: "A", PairingCode: "A"}))

	_, err = NewBuntPersister(cfg)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, p.Close())
	p, err = NewBuntPersister(cfg)
	require.NoError(t, err)
	defer p.Close()
	got, err := p.GetSession()
	require.NoError(t, err)
	assert.Equal(t, "A", got.PairingCode)
}
