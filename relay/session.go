package relay

import (
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/powerslides/protocol"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

type State int

const (
	StateUnjoined State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Event drives a Session.
type Event interface {
	event()
}

// Received is a raw inbound message.
type Received struct {
	Data []byte
}

// Disconnected reports that the transport went away.
type Disconnected struct {
	Err error
}

func (Received) event()     {}
func (Disconnected) event() {}

// Session is the protocol state machine of one connection. Handle must be
// called from a single goroutine.
type Session struct {
	peer     Peer
	registry *Registry
	limiter  *rate.Limiter
	logger   hclog.Logger
	metrics  *Metrics

	state       State
	roomKey     string
	publishing  bool
	subscribing bool
}

// NewSession creates a session for peer. limiter may be nil.
func NewSession(peer Peer, registry *Registry, limiter *rate.Limiter, logger hclog.Logger, metrics *Metrics) *Session {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Session{
		peer:     peer,
		registry: registry,
		limiter:  limiter,
		logger:   logger.With("conn", peer.ID()),
		metrics:  metrics,
	}
}

func (s *Session) State() State { return s.state }

// RoomKey returns the key of the joined room, or "".
func (s *Session) RoomKey() string { return s.roomKey }

// Publishing reports whether the connection has published state in its
// current room.
func (s *Session) Publishing() bool { return s.publishing }

// Subscribing reports whether the connection has issued commands in its
// current room.
func (s *Session) Subscribing() bool { return s.subscribing }

// Handle processes one event to completion. The returned error describes
// why a message was dropped or why the connection was closed; it is nil
// when the event was handled normally.
func (s *Session) Handle(ev Event) error {
	switch e := ev.(type) {
	case Received:
		return s.receive(e.Data)
	case Disconnected:
		s.disconnect(e.Err)
	}
	return nil
}

func (s *Session) receive(data []byte) error {
	if s.state == StateClosed {
		return nil
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.dropped(reasonRateLimited)
		s.logger.Debug("dropping message over rate limit")
		return ErrRateLimited
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		if protocol.IsSyntaxError(err) {
			s.metrics.dropped(reasonSyntax)
		} else {
			s.metrics.dropped(reasonMalformed)
		}
		s.logger.Debug("dropping malformed message", "error", err)
		return err
	}

	switch m := msg.(type) {
	case *protocol.JoinMessage:
		return s.join(m)

	case *protocol.StateMessage:
		if s.state != StateJoined {
			return s.close(ErrNotJoined)
		}
		if err := s.registry.Publish(s.peer, data); err != nil {
			return s.close(err)
		}
		s.publishing = true
		s.metrics.accepted(string(protocol.MessageTypeState))

	case *protocol.CommandMessage:
		if s.state != StateJoined {
			return s.close(ErrNotJoined)
		}
		s.subscribing = true
		err := s.registry.Forward(s.peer, data)
		switch {
		case err == nil:
			s.metrics.accepted(string(protocol.MessageTypeCommand))
		case errors.Is(err, ErrNoPublisher):
			s.metrics.dropped(reasonNoPublisher)
			s.logger.Debug("dropping command without publisher", "command", m.Payload.Type)
			return err
		case errors.Is(err, protocol.ErrSocketUnready):
			s.metrics.dropped(reasonUnready)
			s.logger.Debug("dropping command", "command", m.Payload.Type, "error", err)
			return err
		default:
			return s.close(err)
		}
	}
	return nil
}

func (s *Session) join(m *protocol.JoinMessage) error {
	key, err := s.registry.Join(s.peer, m.Credential(), m.CreateRoom)
	if err != nil {
		s.metrics.dropped(reasonRejected)
		switch {
		case errors.Is(err, ErrPasswordMismatch):
			s.logger.Warn("join rejected", "reason", "password mismatch")
		case errors.Is(err, ErrRoomNotFound):
			s.logger.Info("join rejected", "reason", "room not found")
		default:
			s.logger.Info("join rejected", "error", err)
		}
		return s.close(err)
	}
	if key != s.roomKey {
		s.publishing = false
		s.subscribing = false
	}
	s.roomKey = key
	s.state = StateJoined
	s.metrics.accepted(string(protocol.MessageTypeJoin))
	s.logger.Debug("joined", "room", shortKey(key), "create", m.CreateRoom)
	return nil
}

func (s *Session) close(reason error) error {
	if s.state != StateClosed {
		s.state = StateClosed
		s.registry.Leave(s.peer)
		s.peer.Close(reason)
	}
	return reason
}

func (s *Session) disconnect(err error) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.registry.Leave(s.peer)
	s.logger.Debug("disconnected", "error", err)
}
