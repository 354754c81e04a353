// Package relay implements the relay server: the in-memory room registry,
// the per-connection protocol state machine and the websocket transport.
package relay

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/powerslides/pairing"
	"github.com/tcriess/powerslides/protocol"
)

var (
	ErrPasswordMismatch = errors.New("password mismatch")
	ErrRoomNotFound     = errors.New("room not found")
	ErrNoPublisher      = errors.New("no publisher in room")
	ErrNotJoined        = errors.New("not joined to a room")
)

// Peer is a connection as seen by the registry. Send must not block; Close
// must not call back into the registry.
type Peer interface {
	ID() string
	Send(msg []byte) error
	Close(reason error)
}

type room struct {
	key       string
	password  string
	members   map[Peer]struct{}
	lastState []byte
	publisher Peer
	createdAt time.Time
}

// RoomInfo is a read-only view of a room for diagnostics.
type RoomInfo struct {
	Key          string
	Members      int
	HasPublisher bool
	HasState     bool
	CreatedAt    time.Time
}

// Registry owns every room. All mutations and broadcasts happen under one
// lock, which gives a total order of state messages per room. Peers are
// only ever referenced by the room key they joined.
type Registry struct {
	rooms       map[string]*room
	memberships map[Peer]string

	logger  hclog.Logger
	metrics *Metrics

	sync.Mutex
}

func NewRegistry(logger hclog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		rooms:       make(map[string]*room),
		memberships: make(map[Peer]string),
		logger:      logger.Named("registry"),
		metrics:     metrics,
	}
}

// Join attaches p to the room identified by cred. An existing room requires
// the password it was created with; a missing room is only created when
// create is set. On success the room's last state, if any, is sent to p
// right away. Joining another room leaves the current one first.
func (r *Registry) Join(p Peer, cred pairing.Credential, create bool) (string, error) {
	if !cred.Valid() {
		return "", fmt.Errorf("%w: incomplete credential", protocol.ErrMalformedMessage)
	}
	key := pairing.DeriveRoomName(cred.SlideID)

	r.Lock()
	defer r.Unlock()

	rm, ok := r.rooms[key]
	if ok {
		if subtle.ConstantTimeCompare([]byte(rm.password), []byte(cred.Password)) != 1 {
			return "", ErrPasswordMismatch
		}
	} else if !create {
		return "", ErrRoomNotFound
	}

	if prev, ok := r.memberships[p]; ok && prev != key {
		r.leaveLocked(p)
	}
	if rm == nil {
		rm = &room{
			key:       key,
			password:  cred.Password,
			members:   make(map[Peer]struct{}),
			createdAt: time.Now(),
		}
		r.rooms[key] = rm
		r.metrics.roomOpened()
		r.logger.Debug("room created", "room", shortKey(key))
	}
	rm.members[p] = struct{}{}
	r.memberships[p] = key
	if rm.lastState != nil {
		r.deliver(p, rm.lastState)
	}
	return key, nil
}

// Leave detaches p from its room. The room is deleted once empty.
func (r *Registry) Leave(p Peer) {
	r.Lock()
	defer r.Unlock()
	r.leaveLocked(p)
}

func (r *Registry) leaveLocked(p Peer) {
	key, ok := r.memberships[p]
	if !ok {
		return
	}
	delete(r.memberships, p)
	rm, ok := r.rooms[key]
	if !ok {
		return
	}
	delete(rm.members, p)
	if rm.publisher == p {
		rm.publisher = nil
	}
	if len(rm.members) == 0 {
		delete(r.rooms, key)
		r.metrics.roomClosed()
		r.logger.Debug("room deleted", "room", shortKey(key))
	}
}

// Publish stores msg as the room's last state, makes p the room's publisher
// and broadcasts msg to every member, p included.
func (r *Registry) Publish(p Peer, msg []byte) error {
	r.Lock()
	defer r.Unlock()

	rm, err := r.roomOf(p)
	if err != nil {
		return err
	}
	rm.lastState = msg
	rm.publisher = p
	for member := range rm.members {
		r.deliver(member, msg)
	}
	return nil
}

// Forward sends msg to the publisher of p's room only.
func (r *Registry) Forward(p Peer, msg []byte) error {
	r.Lock()
	defer r.Unlock()

	rm, err := r.roomOf(p)
	if err != nil {
		return err
	}
	if rm.publisher == nil {
		return ErrNoPublisher
	}
	if err := rm.publisher.Send(msg); err != nil {
		return fmt.Errorf("forward to %s: %w", rm.publisher.ID(), protocol.ErrSocketUnready)
	}
	return nil
}

// Room returns diagnostics for the room with the given key.
func (r *Registry) Room(key string) (RoomInfo, bool) {
	r.Lock()
	defer r.Unlock()

	rm, ok := r.rooms[key]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{
		Key:          rm.key,
		Members:      len(rm.members),
		HasPublisher: rm.publisher != nil,
		HasState:     rm.lastState != nil,
		CreatedAt:    rm.createdAt,
	}, true
}

// Len returns the number of rooms.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.rooms)
}

// Shutdown closes every member connection. Rooms disappear as the
// connections leave.
func (r *Registry) Shutdown(reason error) {
	r.Lock()
	peers := make([]Peer, 0, len(r.memberships))
	for p := range r.memberships {
		peers = append(peers, p)
	}
	r.Unlock()

	for _, p := range peers {
		p.Close(reason)
	}
}

func (r *Registry) roomOf(p Peer) (*room, error) {
	key, ok := r.memberships[p]
	if !ok {
		return nil, ErrNotJoined
	}
	rm, ok := r.rooms[key]
	if !ok {
		return nil, ErrNotJoined
	}
	return rm, nil
}

func (r *Registry) deliver(p Peer, msg []byte) {
	if err := p.Send(msg); err != nil {
		r.metrics.dropped(reasonUnready)
		r.logger.Debug("could not deliver message", "conn", p.ID(), "error", err)
	}
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
