// Package poll runs the watch scheduler: it sleeps until the earliest due watch,
// polls it, and reschedules it.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gforms-notifier/fetch"
	"gforms-notifier/pkg/formwatch"
	"gforms-notifier/storage"
	"gforms-notifier/watch"
)

// retryDelay is how long the loop backs off after the store itself fails.
const retryDelay = 30 * time.Second

// Store finds the next watch to poll.
type Store interface {
	FindEarliestDue(ctx context.Context) (*formwatch.WatchRecord, error)
}

// Registry applies serialized record mutations.
type Registry interface {
	Update(ctx context.Context, key formwatch.Key, fn func(*formwatch.WatchRecord) error) error
	Remove(ctx context.Context, key formwatch.Key) error
}

// Runner runs the fetch pipeline for one watch.
type Runner interface {
	Run(ctx context.Context, rec *formwatch.WatchRecord) (fetch.Result, error)
}

// Reporter surfaces poll failures to operators.
type Reporter interface {
	Report(ctx context.Context, rec *formwatch.WatchRecord, err error)
}

// Config holds the scheduler's collaborators.
type Config struct {
	Store    Store
	Registry Registry
	Runner   Runner
	Reporter Reporter
	Logger   *slog.Logger

	// OnCredentialFailure is called once when a poll fails with a bad or missing credential.
	OnCredentialFailure func() error
}

// Scheduler polls watches in due order, one at a time.
type Scheduler struct {
	store    Store
	registry Registry
	runner   Runner
	reporter Reporter
	logger   *slog.Logger
	onCred   func() error
	now      func() time.Time

	wake chan struct{}

	mu     sync.Mutex
	halted bool
}

// New creates a scheduler.
func New(cfg *Config) *Scheduler {
	return &Scheduler{
		store:    cfg.Store,
		registry: cfg.Registry,
		runner:   cfg.Runner,
		reporter: cfg.Reporter,
		logger:   cfg.Logger,
		onCred:   cfg.OnCredentialFailure,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Wake makes the scheduler recompute the next due watch. It never blocks and
// never interrupts a poll in progress.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Halt stops polling until Resume is called.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	s.halted = true
	s.mu.Unlock()
	schedulerHalted.Set(1)
}

// Resume restarts a halted scheduler.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	was := s.halted
	s.halted = false
	s.mu.Unlock()
	schedulerHalted.Set(0)
	if was {
		s.logger.Info("Scheduler resumed")
	}
	s.Wake()
}

// Halted reports whether the scheduler is waiting for new credentials.
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started")
	for {
		_, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Scheduler stopped", "reason", ctx.Err())
			return ctx.Err()
		}
		if err != nil {
			s.logger.Error("Scheduler iteration failed", "error", err, "retry_in", retryDelay.String())
			s.sleep(ctx, retryDelay)
		}
	}
}

// RunOnce waits for the earliest due watch and polls it. It returns false
// without polling when the wait was interrupted by Wake, when no watch exists,
// or while the scheduler is halted.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	if s.Halted() {
		s.logger.Debug("Scheduler halted, waiting for resume")
		s.sleep(ctx, 0)
		return false, nil
	}

	rec, err := s.store.FindEarliestDue(ctx)
	if err != nil && !storage.IsNotFound(err) {
		return false, fmt.Errorf("find earliest due watch: %w", err)
	}
	// Backends report an empty collection as a nil record.
	if rec == nil {
		s.logger.Debug("No watches, idling until woken")
		s.sleep(ctx, 0)
		return false, nil
	}

	if wait := rec.When.Sub(s.now()); wait > 0 {
		s.logger.Debug("Sleeping until next watch",
			"form_id", rec.FormID,
			"destination_id", rec.DestinationID,
			"when", rec.When.Format(time.RFC3339),
			"wait", wait.String())
		if !s.sleep(ctx, wait) {
			return false, nil
		}
	}

	s.poll(ctx, rec)
	return true, nil
}

// sleep blocks for d (forever when d is zero) and reports whether the full
// duration elapsed. Wake or cancellation cut it short.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	var expired <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-expired:
		return true
	case <-s.wake:
		return false
	case <-ctx.Done():
		return false
	}
}

// poll runs the pipeline for rec and writes the outcome back to the record.
func (s *Scheduler) poll(ctx context.Context, rec *formwatch.WatchRecord) {
	started := s.now().UTC()
	key := rec.Key()
	log := s.logger.With("form_id", rec.FormID, "destination_id", rec.DestinationID)
	log.Info("Polling watch", "since", rec.Since.Format(time.RFC3339))

	res, err := s.runner.Run(ctx, rec)
	pollDuration.Observe(time.Since(started).Seconds())
	responsesDispatched.Add(float64(res.Documents))

	if ctx.Err() != nil {
		log.Info("Poll interrupted", "error", ctx.Err())
		return
	}

	switch {
	case err == nil:
		pollsTotal.WithLabelValues("ok").Inc()
		s.advance(ctx, rec, func(r *formwatch.WatchRecord) {
			r.Since = started
			if res.FormTitle != "" {
				r.FormTitle = res.FormTitle
			}
			r.NoticeRef = res.NoticeRef
		})
		log.Info("Poll completed",
			"documents", res.Documents,
			"pages", res.Pages,
			"duration_ms", time.Since(started).Milliseconds())

	case errors.Is(err, fetch.ErrBusy):
		pollsTotal.WithLabelValues("busy").Inc()
		log.Warn("Watch already being polled, skipping tick")
		s.advance(ctx, rec, nil)

	case errors.Is(err, formwatch.ErrDestinationGone):
		pollsTotal.WithLabelValues("destination_gone").Inc()
		log.Warn("Destination gone, removing watch", "error", err)
		if rmErr := s.registry.Remove(ctx, key); rmErr != nil && !storage.IsNotFound(rmErr) {
			log.Error("Failed to remove watch", "error", rmErr)
		}
		s.reporter.Report(ctx, rec, err)

	case errors.Is(err, formwatch.ErrInvalidCredential), errors.Is(err, formwatch.ErrNotSetUp):
		pollsTotal.WithLabelValues("credential").Inc()
		log.Error("Credential rejected, halting scheduler", "error", err)
		s.Halt()
		if s.onCred != nil {
			if cErr := s.onCred(); cErr != nil {
				log.Error("Failed to clear credential", "error", cErr)
			}
		}
		s.reporter.Report(ctx, rec, err)

	default:
		// The watermark stays put so the same responses are retried next tick.
		outcome := "transient"
		if res.Documents > 0 {
			outcome = "dispatch_failed"
		}
		pollsTotal.WithLabelValues(outcome).Inc()
		log.Warn("Poll failed", "kind", formwatch.KindOf(err), "documents", res.Documents, "error", err)
		s.advance(ctx, rec, nil)
		s.reporter.Report(ctx, rec, err)
	}
}

// advance moves the record's due time past now and applies fn under the record lock.
// Failed polls pass no fn: the unchanged watermark, not the due time, makes the next tick retry them.
func (s *Scheduler) advance(ctx context.Context, rec *formwatch.WatchRecord, fn func(*formwatch.WatchRecord)) {
	err := s.registry.Update(ctx, rec.Key(), func(r *formwatch.WatchRecord) error {
		if r.ID != rec.ID {
			return storage.ErrNotFound
		}
		if fn != nil {
			fn(r)
		}
		// An edit during the poll already chose a new due time.
		if !r.When.Equal(rec.When) {
			return nil
		}
		next, err := watch.Next(r.Recurrence, r.When, s.now())
		if err != nil {
			return fmt.Errorf("compute next due time: %w", err)
		}
		r.When = next
		return nil
	})
	switch {
	case err == nil:
	case storage.IsNotFound(err):
		s.logger.Info("Watch removed during poll", "form_id", rec.FormID, "destination_id", rec.DestinationID)
	default:
		s.logger.Error("Failed to reschedule watch", "form_id", rec.FormID, "destination_id", rec.DestinationID, "error", err)
	}
}
