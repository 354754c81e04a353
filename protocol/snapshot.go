package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// StateSnapshot is an immutable, full replacement of the presentation state.
// Timestamps are unix milliseconds.
type StateSnapshot struct {
	Current               *int    `json:"current"`
	Total                 *int    `json:"total"`
	SpeakerNote           *string `json:"speakerNote"`
	Title                 *string `json:"title"`
	UpdatedAt             int64   `json:"updatedAt" hash:"ignore"`
	PresentationStartedAt *int64  `json:"presentationStartedAt"`
}

// StartedAt returns the presentation start, if any.
func (s StateSnapshot) StartedAt() (time.Time, bool) {
	if s.PresentationStartedAt == nil || *s.PresentationStartedAt == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(*s.PresentationStartedAt), true
}

// Merge fills every field missing in s from prev. Only publishers merge;
// the relay always replaces snapshots as a whole.
func (s StateSnapshot) Merge(prev *StateSnapshot) StateSnapshot {
	if prev == nil {
		return s
	}
	if s.Current == nil {
		s.Current = prev.Current
	}
	if s.Total == nil {
		s.Total = prev.Total
	}
	if s.SpeakerNote == nil {
		s.SpeakerNote = prev.SpeakerNote
	}
	if s.Title == nil {
		s.Title = prev.Title
	}
	return s
}

// NormalizeSnapshot decodes a snapshot payload leniently: numbers may also
// arrive as numeric strings, anything that is not a finite number or a
// string becomes null.
func NormalizeSnapshot(raw []byte) (*StateSnapshot, error) {
	fields := make(map[string]interface{})
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: state payload: %s", ErrMalformedMessage, err)
	}
	s := &StateSnapshot{
		SpeakerNote: normalizeString(fields["speakerNote"]),
		Title:       normalizeString(fields["title"]),
	}
	s.Current = normalizeInt(fields["current"])
	s.Total = normalizeInt(fields["total"])
	if n := normalizeNumber(fields["updatedAt"]); n != nil {
		s.UpdatedAt = *n
	}
	s.PresentationStartedAt = normalizeNumber(fields["presentationStartedAt"])
	return s, nil
}

func normalizeNumber(v interface{}) *int64 {
	switch val := v.(type) {
	case nil, bool, map[string]interface{}, []interface{}:
		return nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		v = strings.TrimSpace(val)
	}
	var f float64
	if err := mapstructure.WeakDecode(v, &f); err != nil {
		return nil
	}
	// int64 covers [-2^63, 2^63)
	if math.IsNaN(f) || f < -(1<<63) || f >= 1<<63 {
		return nil
	}
	n := int64(f)
	return &n
}

func normalizeInt(v interface{}) *int {
	n := normalizeNumber(v)
	if n == nil || *n < math.MinInt || *n > math.MaxInt {
		return nil
	}
	i := int(*n)
	return &i
}

func normalizeString(v interface{}) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

// Int and String are helpers for building snapshots.
func Int(v int) *int { return &v }

func Int64(v int64) *int64 { return &v }

func String(v string) *string { return &v }
