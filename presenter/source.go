package presenter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tcriess/powerslides/protocol"
)

var ErrUnsupportedCommand = errors.New("unsupported command")

// Source is the presentation being controlled. Reads may fail
// independently of each other; a nil value means unknown.
type Source interface {
	Counts(ctx context.Context) (current, total *int, err error)
	SpeakerNote(ctx context.Context) (*string, error)
	Title(ctx context.Context) (*string, error)
	// Execute performs a navigation command (next, previous, open_present).
	Execute(ctx context.Context, cmd protocol.CommandType) error
}

// Deck is an in-memory Source: a titled list of slides, each with a speaker
// note. Slides are numbered from 1.
type Deck struct {
	title   string
	notes   []string
	current int
	open    bool

	sync.Mutex
}

func NewDeck(title string, notes []string) *Deck {
	d := &Deck{title: title, notes: notes}
	if len(notes) > 0 {
		d.current = 1
	}
	return d
}

func (d *Deck) Counts(ctx context.Context) (*int, *int, error) {
	d.Lock()
	defer d.Unlock()
	if len(d.notes) == 0 {
		return nil, nil, nil
	}
	current, total := d.current, len(d.notes)
	return &current, &total, nil
}

func (d *Deck) SpeakerNote(ctx context.Context) (*string, error) {
	d.Lock()
	defer d.Unlock()
	if d.current == 0 {
		return nil, nil
	}
	note := d.notes[d.current-1]
	return &note, nil
}

func (d *Deck) Title(ctx context.Context) (*string, error) {
	d.Lock()
	defer d.Unlock()
	if d.title == "" {
		return nil, nil
	}
	title := d.title
	return &title, nil
}

// Execute moves within the deck, staying on the first or last slide at the
// ends.
func (d *Deck) Execute(ctx context.Context, cmd protocol.CommandType) error {
	d.Lock()
	defer d.Unlock()
	switch cmd {
	case protocol.CommandNext:
		if d.current < len(d.notes) {
			d.current++
		}
	case protocol.CommandPrevious:
		if d.current > 1 {
			d.current--
		}
	case protocol.CommandOpenPresent:
		d.open = true
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd)
	}
	return nil
}

// Current returns the current slide number, 0 for an empty deck.
func (d *Deck) Current() int {
	d.Lock()
	defer d.Unlock()
	return d.current
}

// Open reports whether the presenter view was opened.
func (d *Deck) Open() bool {
	d.Lock()
	defer d.Unlock()
	return d.open
}
