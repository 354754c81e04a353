package pairing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const roomNamePrefix = "slides:"

// Credential is what a peer presents to the relay to join a room.
// Codes act as both identity and password: SlideID and Password are both
// the normalized code.
type Credential struct {
	SlideID  string `json:"slideId"`
	Password string `json:"password"`
}

// Valid reports whether both parts of the credential are present.
func (c Credential) Valid() bool {
	return c.SlideID != "" && c.Password != ""
}

func credentialFromCode(normalized string) Credential {
	return Credential{SlideID: normalized, Password: normalized}
}

// DeriveRoomName maps a slide id to the opaque name the relay keys rooms by,
// so the raw secret never appears in the room table or in logs.
func DeriveRoomName(slideID string) string {
	sum := sha256.Sum256([]byte(roomNamePrefix + slideID))
	return hex.EncodeToString(sum[:])
}

// Remediation returns the text shown to a user whose pairing attempt failed.
func Remediation(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExpiredCode):
		return "This pairing code has expired. Generate a new code on the presenter and enter it again."
	case errors.Is(err, ErrInvalidCode):
		return "This pairing code is not valid. Check the code you typed for mistakes and try again."
	default:
		return "Could not connect to the presentation. Check your connection and try again."
	}
}
