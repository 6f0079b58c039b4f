// Package fetch drains new form responses for a watch and hands their pages to a sink.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"gforms-notifier/forms"
	"gforms-notifier/pack"
	"gforms-notifier/pkg/formwatch"
)

// Lister is the survey listing capability.
type Lister interface {
	List(ctx context.Context, formID string, since time.Time, cursor string) (forms.Batch, error)
	Schema(ctx context.Context, formID string) (*formwatch.FormSchema, error)
}

// Sink delivers a message to a destination and returns a reference to it.
type Sink interface {
	Send(ctx context.Context, destinationID string, msg formwatch.Message) (ref string, err error)
}

// Editor is implemented by sinks that can replace a previously sent message.
type Editor interface {
	Edit(ctx context.Context, destinationID, ref string, msg formwatch.Message) error
}

// ErrBusy is returned when a run for the same watch is already in flight.
var ErrBusy = errors.New("watch is already being polled")

// FetchSince returns every response submitted after since, following cursors until the listing is drained.
// Nothing is returned on error; the caller retries from the same watermark.
func FetchSince(ctx context.Context, l Lister, formID string, since time.Time) ([]formwatch.ResponseDocument, error) {
	var docs []formwatch.ResponseDocument
	seen := make(map[string]bool)
	cursor := ""
	for {
		batch, err := l.List(ctx, formID, since, cursor)
		if err != nil {
			return nil, err
		}
		docs = append(docs, batch.Documents...)
		if batch.NextCursor == "" {
			return docs, nil
		}
		if seen[batch.NextCursor] {
			return nil, formwatch.NewError(formwatch.KindTransientTransport,
				fmt.Errorf("listing returned cursor %q twice", batch.NextCursor))
		}
		seen[batch.NextCursor] = true
		cursor = batch.NextCursor
	}
}

// Result summarises one run.
type Result struct {
	Documents int
	Pages     int
	FormTitle string // Empty when the schema was not fetched
	NoticeRef string // Reference of the current "no new responses" notice, if any
}

// Pipeline runs one poll for a watch.
type Pipeline struct {
	lister Lister
	sink   Sink
	packer *pack.Packer
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[formwatch.Key]bool
}

// New creates a pipeline.
func New(lister Lister, sink Sink, packer *pack.Packer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		lister:   lister,
		sink:     sink,
		packer:   packer,
		logger:   logger,
		inflight: make(map[formwatch.Key]bool),
	}
}

// Run fetches the watch's new responses, packs each one and sends it.
// A gone destination aborts the run. Other dispatch failures are collected and
// returned after every document has been tried.
func (p *Pipeline) Run(ctx context.Context, rec *formwatch.WatchRecord) (Result, error) {
	key := rec.Key()
	p.mu.Lock()
	if p.inflight[key] {
		p.mu.Unlock()
		return Result{}, ErrBusy
	}
	p.inflight[key] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
	}()

	docs, err := FetchSince(ctx, p.lister, rec.FormID, rec.Since)
	if err != nil {
		return Result{}, formwatch.WithWatch(fmt.Errorf("fetch responses: %w", err), rec.FormID, rec.DestinationID)
	}

	if len(docs) == 0 {
		return p.notifyEmpty(ctx, rec)
	}

	schema, err := p.lister.Schema(ctx, rec.FormID)
	if err != nil {
		return Result{}, formwatch.WithWatch(fmt.Errorf("fetch schema: %w", err), rec.FormID, rec.DestinationID)
	}

	res := Result{FormTitle: schema.Title}
	var errs *multierror.Error
	var failed int
	for i := range docs {
		doc := &docs[i]
		pages := p.packer.Pack(schema, schema.Title, schema.Description, doc)
		res.Documents++
		res.Pages += len(pages)

		_, err := p.sink.Send(ctx, rec.DestinationID, formwatch.Message{Mentions: rec.Mentions, Pages: pages})
		if err == nil {
			continue
		}
		if errors.Is(err, formwatch.ErrDestinationGone) {
			return res, formwatch.WithWatch(err, rec.FormID, rec.DestinationID)
		}
		p.logger.Warn("Response dispatch failed",
			"form_id", rec.FormID,
			"destination_id", rec.DestinationID,
			"response_id", doc.ID,
			"pages", len(pages),
			"error", err)
		errs = multierror.Append(errs, fmt.Errorf("dispatch response %s: %w", doc.ID, err))
		failed++
	}

	p.logger.Info("Responses dispatched",
		"form_id", rec.FormID,
		"destination_id", rec.DestinationID,
		"documents", res.Documents,
		"pages", res.Pages,
		"failed", failed)

	if err := errs.ErrorOrNil(); err != nil {
		return res, formwatch.WithWatch(err, rec.FormID, rec.DestinationID)
	}
	return res, nil
}

// notifyEmpty posts or refreshes the "no new responses" notice for watches that ask for it.
func (p *Pipeline) notifyEmpty(ctx context.Context, rec *formwatch.WatchRecord) (Result, error) {
	res := Result{NoticeRef: rec.NoticeRef}
	if !rec.NotifyEmpty {
		return res, nil
	}

	title := rec.FormTitle
	if title == "" {
		title = rec.FormID
	}
	msg := formwatch.Message{Pages: []formwatch.Page{{
		Title:     title,
		Content:   "No new responses since " + rec.Since.UTC().Format(time.RFC1123) + ".",
		Timestamp: time.Now().UTC(),
	}}}

	if ed, ok := p.sink.(Editor); ok && rec.NoticeRef != "" {
		err := ed.Edit(ctx, rec.DestinationID, rec.NoticeRef, msg)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, formwatch.ErrDestinationGone) {
			return res, formwatch.WithWatch(err, rec.FormID, rec.DestinationID)
		}
		p.logger.Info("Notice edit failed, sending a new one", "form_id", rec.FormID, "destination_id", rec.DestinationID, "error", err)
	}

	ref, err := p.sink.Send(ctx, rec.DestinationID, msg)
	if err != nil {
		return res, formwatch.WithWatch(fmt.Errorf("send empty notice: %w", err), rec.FormID, rec.DestinationID)
	}
	res.NoticeRef = ref
	return res, nil
}
