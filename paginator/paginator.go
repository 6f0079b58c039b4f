// Package paginator provides interactive navigation over a fixed sequence of pages.
package paginator

import (
	"errors"
	"fmt"
	"strings"

	"gforms-notifier/pkg/formwatch"
)

// Event is a navigation input.
type Event int

const (
	First Event = iota
	Prev
	Next
	Last
	Close
)

var eventNames = map[string]Event{
	"first": First,
	"prev":  Prev,
	"next":  Next,
	"last":  Last,
	"close": Close,
}

func (e Event) String() string {
	for name, ev := range eventNames {
		if ev == e {
			return name
		}
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ParseEvent maps a control name to an event.
func ParseEvent(s string) (Event, error) {
	ev, ok := eventNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown navigation event %q", s)
	}
	return ev, nil
}

var (
	// ErrNoPages is returned when a paginator is built over an empty sequence.
	ErrNoPages = errors.New("paginator needs at least one page")
	// ErrClosed is returned for events after dismissal.
	ErrClosed = errors.New("paginator closed")
)

// Controls describes which navigation controls are shown and their state.
type Controls struct {
	First       bool   `json:"first"`
	Prev        bool   `json:"prev"`
	Next        bool   `json:"next"`
	Last        bool   `json:"last"`
	PrevEnabled bool   `json:"prev_enabled"` // first and prev
	NextEnabled bool   `json:"next_enabled"` // next and last
	Counter     string `json:"counter,omitempty"`
}

// Paginator is a state machine over positions 0..N-1 with a closed terminal state.
// It is not safe for concurrent use.
type Paginator struct {
	pages  []formwatch.Page
	pos    int
	closed bool
}

// New creates a paginator positioned on the first page.
func New(pages []formwatch.Page) (*Paginator, error) {
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	return &Paginator{pages: pages}, nil
}

// Apply performs one transition. Moves past either end are no-ops.
func (p *Paginator) Apply(ev Event) error {
	if p.closed {
		return ErrClosed
	}
	last := len(p.pages) - 1
	switch ev {
	case First:
		p.pos = 0
	case Prev:
		p.pos = max(0, p.pos-1)
	case Next:
		p.pos = min(last, p.pos+1)
	case Last:
		p.pos = last
	case Close:
		p.closed = true
	default:
		return fmt.Errorf("unknown navigation event %d", int(ev))
	}
	return nil
}

// Position returns the zero-based current index.
func (p *Paginator) Position() int { return p.pos }

// Len returns the number of pages.
func (p *Paginator) Len() int { return len(p.pages) }

// Page returns the current page.
func (p *Paginator) Page() formwatch.Page { return p.pages[p.pos] }

// Closed reports whether the paginator was dismissed.
func (p *Paginator) Closed() bool { return p.closed }

// Controls computes the presentation for the current position.
// One page shows nothing, two pages show prev/next with a counter, more show all four.
func (p *Paginator) Controls() Controls {
	n := len(p.pages)
	if n == 1 || p.closed {
		return Controls{}
	}
	return Controls{
		First:       n >= 3,
		Prev:        true,
		Next:        true,
		Last:        n >= 3,
		PrevEnabled: p.pos > 0,
		NextEnabled: p.pos < n-1,
		Counter:     fmt.Sprintf("%d/%d", p.pos+1, n),
	}
}
