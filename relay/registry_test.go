package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/powerslides/pairing"
	"github.com/tcriess/powerslides/protocol"
)

type fakePeer struct {
	id string

	sync.Mutex
	received [][]byte
	closed   bool
	reason   error
	unready  bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg []byte) error {
	p.Lock()
	defer p.Unlock()
	if p.closed || p.unready {
		return protocol.ErrSocketUnready
	}
	p.received = append(p.received, msg)
	return nil
}

func (p *fakePeer) Close(reason error) {
	p.Lock()
	defer p.Unlock()
	if !p.closed {
		p.closed = true
		p.reason = reason
	}
}

func (p *fakePeer) messages() []string {
	p.Lock()
	defer p.Unlock()
	res := make([]string, len(p.received))
	for i, m := range p.received {
		res[i] = string(m)
	}
	return res
}

func (p *fakePeer) isClosed() (bool, error) {
	p.Lock()
	defer p.Unlock()
	return p.closed, p.reason
}

func cred(secret string) pairing.Credential {
	return pairing.Credential{SlideID: secret, Password: secret}
}

func TestRegistryJoinCreatesRoom(t *testing.T) {
	r := NewRegistry(nil, nil)
	presenter := newFakePeer("presenter")

	key, err := r.Join(presenter, cred("ROOM"), true)
	require.NoError(t, err)
	assert.Equal(t, pairing.DeriveRoomName("ROOM"), key)
	assert.Equal(t, 1, r.Len())

	info, ok := r.Room(key)
	require.True(t, ok)
	assert.Equal(t, 1, info.Members)
	assert.False(t, info.HasPublisher)
	assert.False(t, info.HasState)
	assert.Empty(t, presenter.messages())
}

func TestRegistryPasswordImmutable(t *testing.T) {
	r := NewRegistry(nil, nil)
	presenter := newFakePeer("presenter")
	key, err := r.Join(presenter, cred("ROOM"), true)
	require.NoError(t, err)
	require.NoError(t, r.Publish(presenter, []byte(`S1`)))

	intruder := newFakePeer("intruder")
	_, err = r.Join(intruder, pairing.Credential{SlideID: "ROOM", Password: "other"}, true)
	assert.True(t, errors.Is(err, ErrPasswordMismatch))
	assert.Empty(t, intruder.messages())

	info, ok := r.Room(key)
	require.True(t, ok)
	assert.Equal(t, 1, info.Members)
	assert.True(t, info.HasPublisher)

	controller := newFakePeer("controller")
	_, err = r.Join(controller, cred("ROOM"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, controller.messages())
}

func TestRegistryRoomNotFound(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Join(newFakePeer("controller"), cred("NOPE"), false)
	assert.True(t, errors.Is(err, ErrRoomNotFound))
	assert.False(t, errors.Is(err, ErrPasswordMismatch))
	assert.Equal(t, 0, r.Len())

	_, err = r.Join(newFakePeer("x"), pairing.Credential{SlideID: "A"}, true)
	assert.True(t, errors.Is(err, protocol.ErrMalformedMessage))
}

func TestRegistryLeaveDeletesEmptyRoom(t *testing.T) {
	r := NewRegistry(nil, NewMetrics())
	presenter := newFakePeer("presenter")
	controller := newFakePeer("controller")
	key, err := r.Join(presenter, cred("ROOM"), true)
	require.NoError(t, err)
	_, err = r.Join(controller, cred("ROOM"), false)
	require.NoError(t, err)
	require.NoError(t, r.Publish(presenter, []byte(`S1`)))

	r.Leave(presenter)
	info, ok := r.Room(key)
	require.True(t, ok)
	assert.Equal(t, 1, info.Members)
	assert.False(t, info.HasPublisher)
	assert.True(t, info.HasState)

	r.Leave(controller)
	_, ok = r.Room(key)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())

	// leaving twice is a no-op
	r.Leave(controller)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryLateJoinOrdering(t *testing.T) {
	r := NewRegistry(nil, nil)
	presenter := newFakePeer("presenter")
	_, err := r.Join(presenter, cred("ROOM"), true)
	require.NoError(t, err)

	require.NoError(t, r.Publish(presenter, []byte(`S1`)))
	controller := newFakePeer("controller")
	_, err = r.Join(controller, cred("ROOM"), false)
	require.NoError(t, err)
	require.NoError(t, r.Publish(presenter, []byte(`S2`)))

	assert.Equal(t, []string{"S1", "S2"}, controller.messages())
	// the publisher receives its own broadcasts
	assert.Equal(t, []string{"S1", "S2"}, presenter.messages())

	// rejoining redelivers the last state
	_, err = r.Join(controller, cred("ROOM"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2", "S2"}, controller.messages())
}

func TestRegistryForward(t *testing.T) {
	r := NewRegistry(nil, nil)
	presenter := newFakePeer("presenter")
	controller := newFakePeer("controller")
	other := newFakePeer("other")
	_, err := r.Join(presenter, cred("ROOM"), true)
	require.NoError(t, err)
	_, err = r.Join(controller, cred("ROOM"), false)
	require.NoError(t, err)
	_, err = r.Join(other, cred("ROOM"), false)
	require.NoError(t, err)

	err = r.Forward(controller, []byte(`C1`))
	assert.True(t, errors.Is(err, ErrNoPublisher))
	assert.Empty(t, presenter.messages())

	require.NoError(t, r.Publish(presenter, []byte(`S1`)))
	require.NoError(t, r.Forward(controller, []byte(`C2`)))
	assert.Equal(t, []string{"S1", "C2"}, presenter.messages())
	assert.Equal(t, []string{"S1"}, other.messages())
	assert.Equal(t, []string{"S1"}, controller.messages())

	presenter.Lock()
	presenter.unready = true
	presenter.Unlock()
	err = r.Forward(controller, []byte(`C3`))
	assert.True(t, errors.Is(err, protocol.ErrSocketUnready))

	err = r.Forward(newFakePeer("stranger"), []byte(`C4`))
	assert.True(t, errors.Is(err, ErrNotJoined))
}

func TestRegistryRoomsAreIsolated(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakePeer("a")
	b := newFakePeer("b")
	_, err := r.Join(a, cred("ROOM-A"), true)
	require.NoError(t, err)
	_, err = r.Join(b, cred("ROOM-B"), true)
	require.NoError(t, err)
	require.NoError(t, r.Publish(a, []byte(`SA`)))
	assert.Empty(t, b.messages())

	// switching rooms leaves the previous room, which is then deleted
	_, err = r.Join(a, cred("ROOM-B"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	_, ok := r.Room(pairing.DeriveRoomName("ROOM-A"))
	assert.False(t, ok)
}

func TestRegistryShutdown(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakePeer("a")
	b := newFakePeer("b")
	_, err := r.Join(a, cred("ROOM"), true)
	require.NoError(t, err)
	_, err = r.Join(b, cred("ROOM"), false)
	require.NoError(t, err)

	r.Shutdown(ErrServerShutdown)
	for _, p := range []*fakePeer{a, b} {
		closed, reason := p.isClosed()
		assert.True(t, closed)
		assert.True(t, errors.Is(reason, ErrServerShutdown))
	}
}
