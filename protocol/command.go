package protocol

import (
	"fmt"
	"time"
)

type CommandType string

const (
	CommandNext              CommandType = "next"
	CommandPrevious          CommandType = "previous"
	CommandOpenPresent       CommandType = "open_present"
	CommandStartPresentation CommandType = "start_presentation"
)

// CommandTypes lists every command a controller may issue.
var CommandTypes = []CommandType{CommandNext, CommandPrevious, CommandOpenPresent, CommandStartPresentation}

// Command is a transient remote action. At is a unix timestamp in
// milliseconds.
type Command struct {
	ID   string      `json:"id,omitempty" validate:"max=128"`
	Type CommandType `json:"type" validate:"required,oneof=next previous open_present start_presentation"`
	At   int64       `json:"at" validate:"gte=0"`
	From string      `json:"from,omitempty" validate:"max=128"`
}

// DedupKey identifies one logical issuance of a command. Commands without
// an id fall back to type:at:from.
func (c Command) DedupKey() string {
	if c.ID != "" {
		return c.ID
	}
	return fmt.Sprintf("%s:%d:%s", c.Type, c.At, c.From)
}

// IssuedAt returns At as a time.
func (c Command) IssuedAt() time.Time {
	return time.UnixMilli(c.At)
}

// ParseCommandType maps user input to a command type.
func ParseCommandType(s string) (CommandType, error) {
	for _, t := range CommandTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown command type %q", s)
}
