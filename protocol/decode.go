package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

var (
	ErrSyntax      = fmt.Errorf("%w: invalid json", ErrMalformedMessage)
	ErrUnknownType = fmt.Errorf("%w: unknown type", ErrMalformedMessage)

	validate = validator.New()
)

// Decode parses and validates a raw message. Every error wraps
// ErrMalformedMessage; syntax errors additionally wrap ErrSyntax.
func Decode(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrSyntax
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}
	typ := root.Get("type")
	if typ.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch MessageType(typ.Str) {
	case MessageTypeJoin:
		msg := &JoinMessage{}
		if err := json.Unmarshal(raw, msg); err != nil {
			return nil, fmt.Errorf("%w: join: %s", ErrMalformedMessage, err)
		}
		if err := validate.Struct(msg); err != nil {
			return nil, fmt.Errorf("%w: join: %s", ErrMalformedMessage, err)
		}
		return msg, nil

	case MessageTypeState:
		payload := root.Get("payload")
		if !payload.IsObject() {
			return nil, fmt.Errorf("%w: state without payload", ErrMalformedMessage)
		}
		snapshot, err := NormalizeSnapshot([]byte(payload.Raw))
		if err != nil {
			return nil, err
		}
		return &StateMessage{Type: MessageTypeState, Payload: snapshot}, nil

	case MessageTypeCommand:
		payload := root.Get("payload")
		if !payload.IsObject() {
			return nil, fmt.Errorf("%w: command without payload", ErrMalformedMessage)
		}
		cmd := &Command{}
		if err := json.Unmarshal([]byte(payload.Raw), cmd); err != nil {
			return nil, fmt.Errorf("%w: command: %s", ErrMalformedMessage, err)
		}
		if err := validate.Struct(cmd); err != nil {
			return nil, fmt.Errorf("%w: command: %s", ErrMalformedMessage, err)
		}
		return &CommandMessage{Type: MessageTypeCommand, Payload: cmd}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, typ.Str)
}

// Encode marshals a message, filling in its type discriminator. msg is not
// modified.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *JoinMessage:
		cp := *m
		cp.Type = MessageTypeJoin
		return json.Marshal(&cp)
	case *StateMessage:
		cp := *m
		cp.Type = MessageTypeState
		return json.Marshal(&cp)
	case *CommandMessage:
		cp := *m
		cp.Type = MessageTypeCommand
		return json.Marshal(&cp)
	}
	return nil, errors.New("unsupported message")
}

// IsSyntaxError reports whether err came from a payload that is not JSON.
func IsSyntaxError(err error) bool {
	return errors.Is(err, ErrSyntax)
}
