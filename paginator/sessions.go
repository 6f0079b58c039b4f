package paginator

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gforms-notifier/pkg/formwatch"
)

var (
	// ErrNotFound is returned for unknown or expired presentations.
	ErrNotFound = errors.New("presentation not found")
	// ErrNotOwner is returned when someone other than the opener navigates.
	ErrNotOwner = errors.New("presentation belongs to another actor")
)

// View is a snapshot of a presentation after a transition.
type View struct {
	ID       string         `json:"id"`
	Position int            `json:"position"`
	Total    int            `json:"total"`
	Page     formwatch.Page `json:"page"`
	Controls Controls       `json:"controls"`
	Closed   bool           `json:"closed"`
}

type session struct {
	mu      sync.Mutex
	owner   string
	p       *Paginator
	touched time.Time
}

// Sessions tracks open presentations. Each one is owned by the actor that opened it
// and expires after ttl without interaction.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSessions creates a registry. A zero ttl disables expiry.
func NewSessions(ttl time.Duration, logger *slog.Logger) *Sessions {
	return &Sessions{
		sessions: make(map[string]*session),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}
}

// Open starts a presentation over pages for owner.
func (s *Sessions) Open(owner string, pages []formwatch.Page) (View, error) {
	p, err := New(pages)
	if err != nil {
		return View{}, err
	}
	id := uuid.NewString()
	sess := &session{owner: owner, p: p, touched: s.now()}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Info("Presentation opened", "presentation_id", id, "actor", owner, "pages", len(pages))
	return view(id, p), nil
}

// View returns the current state without a transition.
func (s *Sessions) View(id, actor string) (View, error) {
	sess, err := s.lookup(id, actor)
	if err != nil {
		return View{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return view(id, sess.p), nil
}

// Navigate applies ev to the presentation. Close removes it.
func (s *Sessions) Navigate(id, actor string, ev Event) (View, error) {
	sess, err := s.lookup(id, actor)
	if err != nil {
		return View{}, err
	}

	sess.mu.Lock()
	if err := sess.p.Apply(ev); err != nil {
		sess.mu.Unlock()
		return View{}, err
	}
	sess.touched = s.now()
	v := view(id, sess.p)
	sess.mu.Unlock()

	if v.Closed {
		s.remove(id)
		s.logger.Info("Presentation closed", "presentation_id", id, "actor", actor)
	}
	return v, nil
}

// Sweep closes presentations idle longer than ttl and returns how many it removed.
func (s *Sessions) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, sess := range s.sessions {
		sess.mu.Lock()
		if now.Sub(sess.touched) > s.ttl {
			sess.p.closed = true
			delete(s.sessions, id)
			n++
		}
		sess.mu.Unlock()
	}
	if n > 0 {
		s.logger.Info("Expired idle presentations", "count", n)
	}
	return n
}

// Len returns the number of open presentations.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Sessions) lookup(id, actor string) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	sess.mu.Lock()
	expired := s.ttl > 0 && s.now().Sub(sess.touched) > s.ttl
	owner := sess.owner
	if expired {
		sess.p.closed = true
	}
	sess.mu.Unlock()

	if expired {
		s.remove(id)
		return nil, ErrNotFound
	}
	if owner != actor {
		return nil, ErrNotOwner
	}
	return sess, nil
}

func (s *Sessions) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func view(id string, p *Paginator) View {
	return View{
		ID:       id,
		Position: p.Position(),
		Total:    p.Len(),
		Page:     p.Page(),
		Controls: p.Controls(),
		Closed:   p.Closed(),
	}
}
