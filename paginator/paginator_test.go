package paginator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"gforms-notifier/pkg/formwatch"
)

func makePages(n int) []formwatch.Page {
	pages := make([]formwatch.Page, n)
	for i := range pages {
		pages[i] = formwatch.Page{Content: fmt.Sprintf("page %d", i)}
	}
	return pages
}

func TestNewRejectsEmpty(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNoPages) {
		t.Errorf("New(nil) error = %v, want ErrNoPages", err)
	}
}

func TestControls(t *testing.T) {
	tests := []struct {
		n    int
		want Controls
	}{
		{1, Controls{}},
		{2, Controls{Prev: true, Next: true, NextEnabled: true, Counter: "1/2"}},
		{5, Controls{First: true, Prev: true, Next: true, Last: true, NextEnabled: true, Counter: "1/5"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("N=%d", tt.n), func(t *testing.T) {
			p, err := New(makePages(tt.n))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := p.Controls(); got != tt.want {
				t.Errorf("Controls() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		events []Event
		want   int
	}{
		{"prev at start is no-op", 3, []Event{Prev}, 0},
		{"next at end is no-op", 3, []Event{Last, Next}, 2},
		{"next next prev", 4, []Event{Next, Next, Prev}, 1},
		{"first after last", 4, []Event{Last, First}, 0},
		{"single page", 1, []Event{Next, Last, Prev, First}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(makePages(tt.n))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			for _, ev := range tt.events {
				if err := p.Apply(ev); err != nil {
					t.Fatalf("Apply(%v) error = %v", ev, err)
				}
				if p.Position() < 0 || p.Position() >= tt.n {
					t.Fatalf("Position() = %d out of [0, %d]", p.Position(), tt.n-1)
				}
			}
			if p.Position() != tt.want {
				t.Errorf("Position() = %d, want %d", p.Position(), tt.want)
			}
		})
	}
}

func TestControlsFollowPosition(t *testing.T) {
	p, err := New(makePages(3))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	steps := []struct {
		ev          Event
		prevEnabled bool
		nextEnabled bool
		counter     string
	}{
		{Next, true, true, "2/3"},
		{Next, true, false, "3/3"},
		{First, false, true, "1/3"},
	}

	for _, s := range steps {
		if err := p.Apply(s.ev); err != nil {
			t.Fatalf("Apply(%v) error = %v", s.ev, err)
		}
		c := p.Controls()
		if c.PrevEnabled != s.prevEnabled || c.NextEnabled != s.nextEnabled || c.Counter != s.counter {
			t.Errorf("after %v: controls = %+v, want prev=%v next=%v counter=%s", s.ev, c, s.prevEnabled, s.nextEnabled, s.counter)
		}
	}
}

func TestCloseIsTerminal(t *testing.T) {
	p, err := New(makePages(2))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Apply(Close); err != nil {
		t.Fatalf("Apply(Close) error = %v", err)
	}
	if err := p.Apply(Next); !errors.Is(err, ErrClosed) {
		t.Errorf("Apply(Next) after close error = %v, want ErrClosed", err)
	}
	if c := p.Controls(); c != (Controls{}) {
		t.Errorf("Controls() after close = %+v, want none", c)
	}
}

func TestParseEvent(t *testing.T) {
	for name, want := range eventNames {
		got, err := ParseEvent(" " + name + " ")
		if err != nil || got != want {
			t.Errorf("ParseEvent(%q) = %v, %v, want %v", name, got, err, want)
		}
	}
	if _, err := ParseEvent("sideways"); err == nil {
		t.Error("ParseEvent(sideways) error = nil, want error")
	}
}

func TestSessions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSessions(time.Minute, logger)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	v, err := s.Open("alice", makePages(3))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if v.Position != 0 || v.Total != 3 || v.Page.Content != "page 0" {
		t.Errorf("Open() view = %+v", v)
	}

	if _, err := s.Navigate(v.ID, "mallory", Next); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Navigate() by other actor error = %v, want ErrNotOwner", err)
	}

	v, err = s.Navigate(v.ID, "alice", Last)
	if err != nil {
		t.Fatalf("Navigate(Last) error = %v", err)
	}
	if v.Position != 2 || v.Controls.Counter != "3/3" || v.Controls.NextEnabled {
		t.Errorf("Navigate(Last) view = %+v", v)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.View(v.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("View() after ttl error = %v, want ErrNotFound", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after expiry, want 0", s.Len())
	}
}

func TestSessionsCloseAndSweep(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSessions(time.Minute, logger)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	a, _ := s.Open("bob", makePages(2))
	if _, err := s.Open("bob", makePages(1)); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	v, err := s.Navigate(a.ID, "bob", Close)
	if err != nil || !v.Closed {
		t.Fatalf("Navigate(Close) = %+v, %v, want closed view", v, err)
	}
	if _, err := s.Navigate(a.ID, "bob", Next); !errors.Is(err, ErrNotFound) {
		t.Errorf("Navigate() after close error = %v, want ErrNotFound", err)
	}

	now = now.Add(90 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
}
