// Package pairing implements the short, time-boxed pairing codes shared
// between a presenter and its remotes, and the credential derived from them.
//
// A code packs the minute it was created and 28 random bits into one
// integer, encoded as 12 base32 characters (A-Z, 2-7). A code is accepted
// for TTLMinutes after the minute it was created in.
package pairing

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Alphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	CodeLength = 12
	TTLMinutes = 5
	RandomBits = 28

	groupSize  = 4
	bitsPerSym = 5
)

var (
	ErrInvalidCode = errors.New("invalid pairing code")
	ErrExpiredCode = errors.New("expired pairing code")
)

// Session is a freshly generated pairing code together with the credential
// a presenter joins with.
type Session struct {
	Code       string // formatted for display, f.e. "ABCD-EFGH-IJKL"
	Credential Credential
}

// Codec generates and parses pairing codes against a clock.
// The zero value uses time.Now and crypto/rand.
type Codec struct {
	Now    func() time.Time
	Random func(bits uint) (uint64, error)
}

var defaultCodec = Codec{}

// Generate creates a new pairing code using the wall clock.
func Generate() (Session, error) {
	return defaultCodec.Generate()
}

// Parse validates a user-entered code using the wall clock.
func Parse(code string) (Credential, error) {
	return defaultCodec.Parse(code)
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Codec) random(bits uint) (uint64, error) {
	if c.Random != nil {
		return c.Random(bits)
	}
	return randomBits(bits)
}

// Generate creates a new pairing code.
func (c Codec) Generate() (Session, error) {
	r, err := c.random(RandomBits)
	if err != nil {
		return Session{}, fmt.Errorf("could not read random bits: %w", err)
	}
	value := uint64(minutes(c.now()))<<RandomBits | (r & (1<<RandomBits - 1))
	normalized := Encode(value)
	return Session{
		Code:       Format(normalized),
		Credential: credentialFromCode(normalized),
	}, nil
}

// Parse normalizes and validates a code and returns its credential.
// Structural problems yield ErrInvalidCode, a well-formed code outside of
// the TTL window yields ErrExpiredCode.
func (c Codec) Parse(code string) (Credential, error) {
	normalized := Normalize(code)
	value, err := Decode(normalized)
	if err != nil {
		return Credential{}, err
	}
	embedded := int64(value >> RandomBits)
	age := minutes(c.now()) - embedded
	if age < 0 || age > TTLMinutes {
		return Credential{}, fmt.Errorf("%w: created %d minutes ago", ErrExpiredCode, age)
	}
	return credentialFromCode(normalized), nil
}

// Normalize uppercases a code and strips dashes and whitespace.
func Normalize(code string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, strings.ToUpper(code))
}

// Format normalizes a code and inserts a dash every four characters.
// Characters outside of the alphabet are dropped.
func Format(code string) string {
	normalized := strings.Map(func(r rune) rune {
		if strings.ContainsRune(Alphabet, r) {
			return r
		}
		return -1
	}, Normalize(code))
	var sb strings.Builder
	for i := 0; i < len(normalized); i += groupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + groupSize
		if end > len(normalized) {
			end = len(normalized)
		}
		sb.WriteString(normalized[i:end])
	}
	return sb.String()
}

// Encode writes the low CodeLength*5 bits of value as a fixed-width code,
// most significant symbol first.
func Encode(value uint64) string {
	buf := make([]byte, CodeLength)
	for i := 0; i < CodeLength; i++ {
		shift := uint((CodeLength - 1 - i) * bitsPerSym)
		buf[i] = Alphabet[(value>>shift)&31]
	}
	return string(buf)
}

// Decode is the inverse of Encode. The input must already be normalized.
func Decode(code string) (uint64, error) {
	if len(code) != CodeLength {
		return 0, fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidCode, CodeLength, len(code))
	}
	var value uint64
	for i := 0; i < len(code); i++ {
		idx := strings.IndexByte(Alphabet, code[i])
		if idx < 0 {
			return 0, fmt.Errorf("%w: unexpected character %q", ErrInvalidCode, code[i])
		}
		value = value<<bitsPerSym | uint64(idx)
	}
	return value, nil
}

func minutes(t time.Time) int64 {
	return t.Unix() / 60
}

func randomBits(bits uint) (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]) & (1<<bits - 1), nil
}
