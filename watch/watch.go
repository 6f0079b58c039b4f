// Package watch manages watch records with per-record serialized mutation.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"gforms-notifier/pkg/formwatch"
	"gforms-notifier/storage"
)

var (
	// ErrAlreadyWatched is returned when the form is already watched into the destination.
	ErrAlreadyWatched = errors.New("form is already watched in this destination")
	// ErrInvalidRequest wraps every rejected watch request.
	ErrInvalidRequest = errors.New("invalid watch request")
)

// Store is the subset of the watch store the registry mutates.
type Store interface {
	Get(ctx context.Context, key formwatch.Key) (*formwatch.WatchRecord, error)
	Upsert(ctx context.Context, rec *formwatch.WatchRecord) error
	Delete(ctx context.Context, formID, destinationID string) error
	ListByGuild(ctx context.Context, guildID string) ([]*formwatch.WatchRecord, error)
}

// SchemaFetcher validates a form id and supplies its title.
type SchemaFetcher interface {
	Schema(ctx context.Context, formID string) (*formwatch.FormSchema, error)
}

// Waker is notified whenever the set of due times changes.
type Waker interface {
	Wake()
}

// Request describes a new watch. Exactly one of TimeOfDay and IntervalHours is set.
type Request struct {
	FormID        string   `json:"form_id"`
	DestinationID string   `json:"destination_id"`
	GuildID       string   `json:"guild_id"`
	TimeOfDay     string   `json:"time_of_day,omitempty"`
	IntervalHours int      `json:"interval_hours,omitempty"`
	Mentions      []string `json:"mentions,omitempty"`
	NotifyEmpty   bool     `json:"notify_empty,omitempty"`
}

// Recurrence validates the request's schedule fields.
func (r Request) Recurrence(now time.Time) (formwatch.Recurrence, error) {
	switch {
	case r.TimeOfDay != "" && r.IntervalHours != 0:
		return formwatch.Recurrence{}, fmt.Errorf("%w: set either time_of_day or interval_hours, not both", ErrInvalidRequest)
	case r.TimeOfDay != "":
		tod, err := ParseTimeOfDay(r.TimeOfDay)
		if err != nil {
			return formwatch.Recurrence{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return formwatch.Recurrence{Kind: formwatch.RecurDaily, TimeOfDay: tod}, nil
	case r.IntervalHours > 0:
		return formwatch.Recurrence{Kind: formwatch.RecurInterval, IntervalHours: r.IntervalHours, Anchor: now.UTC()}, nil
	default:
		return formwatch.Recurrence{}, fmt.Errorf("%w: a time_of_day or a positive interval_hours is required", ErrInvalidRequest)
	}
}

// Registry owns every mutation of watch records.
type Registry struct {
	store  Store
	forms  SchemaFetcher
	waker  Waker
	locks  keyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(store Store, forms SchemaFetcher, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		forms:  forms,
		logger: logger,
		now:    time.Now,
	}
}

// SetWaker registers the scheduler to notify on changes.
func (r *Registry) SetWaker(w Waker) {
	r.waker = w
}

func (r *Registry) wake() {
	if r.waker != nil {
		r.waker.Wake()
	}
}

// Watch creates a watch after checking the form is readable.
func (r *Registry) Watch(ctx context.Context, req Request) (*formwatch.WatchRecord, error) {
	req.FormID = strings.TrimSpace(req.FormID)
	req.DestinationID = strings.TrimSpace(req.DestinationID)
	if req.FormID == "" || req.DestinationID == "" {
		return nil, fmt.Errorf("%w: form_id and destination_id are required", ErrInvalidRequest)
	}
	now := r.now().UTC()
	recur, err := req.Recurrence(now)
	if err != nil {
		return nil, err
	}
	key := formwatch.Key{FormID: req.FormID, DestinationID: req.DestinationID}

	unlock := r.locks.lock(key)
	defer unlock()

	if _, err := r.store.Get(ctx, key); err == nil {
		return nil, ErrAlreadyWatched
	} else if !storage.IsNotFound(err) {
		return nil, fmt.Errorf("check existing watch: %w", err)
	}

	schema, err := r.forms.Schema(ctx, req.FormID)
	if err != nil {
		return nil, formwatch.WithWatch(err, req.FormID, req.DestinationID)
	}

	when, err := First(recur, now)
	if err != nil {
		return nil, err
	}
	rec := &formwatch.WatchRecord{
		ID:            uuid.NewString(),
		FormID:        req.FormID,
		FormTitle:     schema.Title,
		DestinationID: req.DestinationID,
		GuildID:       req.GuildID,
		Recurrence:    recur,
		Since:         now,
		When:          when,
		Mentions:      req.Mentions,
		NotifyEmpty:   req.NotifyEmpty,
		CreatedAt:     now,
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrAlreadyWatched
		}
		return nil, fmt.Errorf("save watch: %w", err)
	}

	r.logger.Info("Watch created",
		"form_id", rec.FormID,
		"form_title", rec.FormTitle,
		"destination_id", rec.DestinationID,
		"guild_id", rec.GuildID,
		"recurrence", rec.Recurrence.Kind,
		"when", rec.When.Format(time.RFC3339))
	r.wake()
	return rec, nil
}

// Edit replaces the schedule, mentions and empty-poll setting of an existing watch
// and recomputes its due time from now. The watermark is kept.
func (r *Registry) Edit(ctx context.Context, key formwatch.Key, req Request) (*formwatch.WatchRecord, error) {
	now := r.now().UTC()
	recur, err := req.Recurrence(now)
	if err != nil {
		return nil, err
	}
	when, err := First(recur, now)
	if err != nil {
		return nil, err
	}

	var updated *formwatch.WatchRecord
	err = r.Update(ctx, key, func(rec *formwatch.WatchRecord) error {
		rec.Recurrence = recur
		rec.When = when
		rec.Mentions = req.Mentions
		rec.NotifyEmpty = req.NotifyEmpty
		if !req.NotifyEmpty {
			rec.NoticeRef = ""
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("Watch rescheduled", "form_id", key.FormID, "destination_id", key.DestinationID, "when", when.Format(time.RFC3339))
	r.wake()
	return updated, nil
}

// Unwatch deletes the watch for a form and destination.
func (r *Registry) Unwatch(ctx context.Context, formID, destinationID string) error {
	unlock := r.locks.lock(formwatch.Key{FormID: formID, DestinationID: destinationID})
	defer unlock()

	if err := r.store.Delete(ctx, formID, destinationID); err != nil {
		return err
	}
	r.wake()
	return nil
}

// Reset deletes every watch of a guild, or every watch when guildID is empty.
// Each record is removed under its own lock; failures are collected.
func (r *Registry) Reset(ctx context.Context, guildID string) (int, error) {
	recs, err := r.store.ListByGuild(ctx, guildID)
	if err != nil {
		return 0, fmt.Errorf("list watches: %w", err)
	}
	var errs *multierror.Error
	var n int
	for _, rec := range recs {
		unlock := r.locks.lock(rec.Key())
		err := r.store.Delete(ctx, rec.FormID, rec.DestinationID)
		unlock()
		switch {
		case err == nil:
			n++
		case storage.IsNotFound(err):
		default:
			errs = multierror.Append(errs, fmt.Errorf("delete %s: %w", rec.Key(), err))
		}
	}
	r.logger.Info("Watches reset", "guild_id", guildID, "deleted", n)
	r.wake()
	return n, errs.ErrorOrNil()
}

// List returns a guild's watches ordered by due time.
func (r *Registry) List(ctx context.Context, guildID string) ([]*formwatch.WatchRecord, error) {
	return r.store.ListByGuild(ctx, guildID)
}

// Update applies fn to the current stored record under its lock and saves the result.
// It returns storage.ErrNotFound when the record was deleted meanwhile.
func (r *Registry) Update(ctx context.Context, key formwatch.Key, fn func(*formwatch.WatchRecord) error) error {
	unlock := r.locks.lock(key)
	defer unlock()

	rec, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("save watch: %w", err)
	}
	return nil
}

// Remove deletes a watch without waking the scheduler.
func (r *Registry) Remove(ctx context.Context, key formwatch.Key) error {
	unlock := r.locks.lock(key)
	defer unlock()
	return r.store.Delete(ctx, key.FormID, key.DestinationID)
}
