// Package forms lists responses and schemas from the Google Forms API.
package forms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gforms "google.golang.org/api/forms/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gforms-notifier/pkg/formwatch"
)

// Batch is one page of a response listing.
type Batch struct {
	Documents  []formwatch.ResponseDocument
	NextCursor string // Empty when the listing is drained
}

// Client fetches forms and responses. The underlying service is built lazily
// from the credential provider and dropped by Reset.
type Client struct {
	creds   *Credentials
	opts    []option.ClientOption
	limiter *rate.Limiter
	logger  *slog.Logger

	mu  sync.Mutex
	svc *gforms.Service
}

// New creates a forms client. creds may be nil when opts carry their own authentication.
func New(creds *Credentials, limiter *rate.Limiter, logger *slog.Logger, opts ...option.ClientOption) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{
		creds:   creds,
		opts:    opts,
		limiter: limiter,
		logger:  logger,
	}
}

// Reset drops the cached service so the next call reloads credentials.
func (c *Client) Reset() {
	c.mu.Lock()
	c.svc = nil
	c.mu.Unlock()
}

func (c *Client) service(ctx context.Context) (*gforms.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.svc != nil {
		return c.svc, nil
	}

	opts := append([]option.ClientOption{}, c.opts...)
	if c.creds != nil {
		key, err := c.creds.Load()
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			option.WithCredentialsJSON(key),
			option.WithScopes(gforms.FormsBodyReadonlyScope, gforms.FormsResponsesReadonlyScope))
	}
	svc, err := gforms.NewService(ctx, opts...)
	if err != nil {
		return nil, formwatch.NewError(formwatch.KindInvalidCredential, fmt.Errorf("create forms service: %w", err))
	}
	c.svc = svc
	return svc, nil
}

// Schema fetches the question structure of a form.
func (c *Client) Schema(ctx context.Context, formID string) (*formwatch.FormSchema, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	form, err := svc.Forms.Get(formID).Context(ctx).Do()
	if err != nil {
		c.logger.Warn("Forms API get failed", "form_id", formID, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, classify(err, false)
	}
	c.logger.Debug("Forms API get completed", "form_id", formID, "items", len(form.Items), "duration_ms", time.Since(start).Milliseconds())
	return convertForm(formID, form), nil
}

// List fetches one page of responses submitted strictly after since.
// An empty cursor requests the first page. Failures are not retried here.
func (c *Client) List(ctx context.Context, formID string, since time.Time, cursor string) (Batch, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return Batch{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Batch{}, err
	}

	call := svc.Forms.Responses.List(formID).Context(ctx)
	filtered := !since.IsZero()
	if filtered {
		call = call.Filter(listFilter(since))
	}
	if cursor != "" {
		call = call.PageToken(cursor)
	}

	start := time.Now()
	resp, err := call.Do()
	if err != nil {
		c.logger.Warn("Forms API list failed",
			"form_id", formID,
			"since", since.Format(time.RFC3339),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return Batch{}, classify(err, filtered)
	}

	batch := Batch{NextCursor: resp.NextPageToken}
	for _, r := range resp.Responses {
		doc, err := convertResponse(r)
		if err != nil {
			c.logger.Warn("Skipping unreadable response", "form_id", formID, "response_id", r.ResponseId, "error", err)
			continue
		}
		batch.Documents = append(batch.Documents, doc)
	}

	c.logger.Debug("Forms API list completed",
		"form_id", formID,
		"documents", len(batch.Documents),
		"has_next", batch.NextCursor != "",
		"duration_ms", time.Since(start).Milliseconds())
	return batch, nil
}

// listFilter selects responses strictly after since, keeping sub-second precision
// so a fractional watermark does not re-deliver responses from the same second.
func listFilter(since time.Time) string {
	return "timestamp > " + since.UTC().Format(time.RFC3339Nano)
}

// classify maps API failures to error kinds.
func classify(err error, filtered bool) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return formwatch.NewError(formwatch.KindInvalidCredential, err)
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return formwatch.NewError(formwatch.KindTransientTransport, err)
	}
	switch apiErr.Code {
	case http.StatusNotFound:
		return formwatch.NewError(formwatch.KindFormNotFound, err)
	case http.StatusForbidden:
		return formwatch.NewError(formwatch.KindPermissionDenied, err)
	case http.StatusUnauthorized:
		return formwatch.NewError(formwatch.KindInvalidCredential, err)
	case http.StatusBadRequest:
		if filtered || strings.Contains(strings.ToLower(apiErr.Message), "filter") {
			return formwatch.NewError(formwatch.KindInvalidTimestampFilter, err)
		}
		return formwatch.NewError(formwatch.KindFormNotFound, err)
	default:
		return formwatch.NewError(formwatch.KindTransientTransport, err)
	}
}
