// Package protocol defines the JSON messages exchanged between peers and the
// relay. Every message is an object with a "type" discriminator; Decode turns
// raw bytes into exactly one of JoinMessage, StateMessage or CommandMessage.
package protocol

import (
	"errors"

	"github.com/tcriess/powerslides/pairing"
)

type MessageType string

const (
	MessageTypeJoin    MessageType = "join"
	MessageTypeState   MessageType = "state"
	MessageTypeCommand MessageType = "command"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrSocketUnready    = errors.New("socket not ready")
)

// Message is implemented by the three wire variants.
type Message interface {
	MessageType() MessageType
}

// JoinMessage asks the relay to attach the connection to a room. Either
// RoomKey (or its legacy alias PairingCode) or SlideID+Password must be set.
type JoinMessage struct {
	Type        MessageType `json:"type"`
	RoomKey     string      `json:"roomKey,omitempty" validate:"max=256"`
	PairingCode string      `json:"pairingCode,omitempty" validate:"max=256"`
	SlideID     string      `json:"slideId,omitempty" validate:"required_without_all=RoomKey PairingCode,max=256"`
	Password    string      `json:"password,omitempty" validate:"required_with=SlideID,max=256"`
	CreateRoom  bool        `json:"createRoom,omitempty"`
}

func (m *JoinMessage) MessageType() MessageType { return MessageTypeJoin }

// Credential returns the credential carried by the message. A bare room key
// acts as both identity and password.
func (m *JoinMessage) Credential() pairing.Credential {
	if m.SlideID != "" {
		return pairing.Credential{SlideID: m.SlideID, Password: m.Password}
	}
	key := m.RoomKey
	if key == "" {
		key = m.PairingCode
	}
	return pairing.Credential{SlideID: key, Password: key}
}

// NewJoin builds the join message a peer sends after every (re)connect.
func NewJoin(cred pairing.Credential, createRoom bool) *JoinMessage {
	return &JoinMessage{
		Type:       MessageTypeJoin,
		SlideID:    cred.SlideID,
		Password:   cred.Password,
		CreateRoom: createRoom,
	}
}

// StateMessage carries a full presentation snapshot, published by the
// presenter and broadcast by the relay.
type StateMessage struct {
	Type    MessageType    `json:"type"`
	Payload *StateSnapshot `json:"payload" validate:"required"`
}

func (m *StateMessage) MessageType() MessageType { return MessageTypeState }

func NewState(snapshot StateSnapshot) *StateMessage {
	return &StateMessage{Type: MessageTypeState, Payload: &snapshot}
}

// CommandMessage carries a remote action from a controller to the publisher.
type CommandMessage struct {
	Type    MessageType `json:"type"`
	Payload *Command    `json:"payload" validate:"required"`
}

func (m *CommandMessage) MessageType() MessageType { return MessageTypeCommand }

func NewCommand(cmd Command) *CommandMessage {
	return &CommandMessage{Type: MessageTypeCommand, Payload: &cmd}
}
