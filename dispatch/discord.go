package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"gforms-notifier/pkg/formwatch"
)

// DefaultDiscordURL is the Discord REST API base.
const DefaultDiscordURL = "https://discord.com/api/v10"

// Discord JSON error codes.
const (
	discordUnknownChannel = 10003
	discordUnknownMessage = 10008
)

// ErrUnknownMessage is returned by Edit when the referenced message no longer exists.
var ErrUnknownMessage = errors.New("unknown message")

// DiscordSink posts pages as embeds into Discord channels.
type DiscordSink struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	delay     time.Duration
	maxJitter time.Duration
}

// NewDiscordSink creates a Discord sink. An empty baseURL selects the public API.
func NewDiscordSink(token, baseURL string, logger *slog.Logger) *DiscordSink {
	if baseURL == "" {
		baseURL = DefaultDiscordURL
	}
	return &DiscordSink{
		token:     token,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		delay:     time.Second,
		maxJitter: 10 * time.Second,
	}
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	Footer      *discordFooter `json:"footer,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordCreated struct {
	ID string `json:"id"`
}

type discordError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func embeds(pages []formwatch.Page) []discordEmbed {
	out := make([]discordEmbed, 0, len(pages))
	for _, p := range pages {
		e := discordEmbed{Title: p.Title, Description: p.Content}
		if p.Footer != "" {
			e.Footer = &discordFooter{Text: p.Footer}
		}
		if !p.Timestamp.IsZero() {
			e.Timestamp = p.Timestamp.UTC().Format(time.RFC3339)
		}
		out = append(out, e)
	}
	return out
}

// Send posts the message, split into as many Discord messages as the embed
// limits require. Mentions go on the first one. The id of the first message is returned.
func (d *DiscordSink) Send(ctx context.Context, channelID string, msg formwatch.Message) (string, error) {
	var first string
	for i, batch := range Batch(msg.Pages, MaxPagesPerMessage, MaxMessageSize) {
		body := discordMessage{Embeds: embeds(batch)}
		if i == 0 {
			body.Content = mentionLine(msg.Mentions)
		}
		var created discordCreated
		err := d.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, &created)
		messagesTotal.WithLabelValues("discord", outcome(err)).Inc()
		if err != nil {
			return first, fmt.Errorf("post message %d: %w", i+1, err)
		}
		if i == 0 {
			first = created.ID
		}
	}
	return first, nil
}

// Edit replaces the embeds of a message previously returned by Send.
func (d *DiscordSink) Edit(ctx context.Context, channelID, ref string, msg formwatch.Message) error {
	batches := Batch(msg.Pages, MaxPagesPerMessage, MaxMessageSize)
	if len(batches) != 1 {
		return fmt.Errorf("edit needs a single message, got %d", len(batches))
	}
	body := discordMessage{Content: mentionLine(msg.Mentions), Embeds: embeds(batches[0])}
	err := d.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+ref, body, nil)
	messagesTotal.WithLabelValues("discord", outcome(err)).Inc()
	return err
}

// do sends one request with retries on rate limiting and server errors.
func (d *DiscordSink) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			d.logger.Debug("Discord API request starting", "method", method, "path", path)

			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bot "+d.token)

			resp, err := d.client.Do(req)
			requestDuration.WithLabelValues("discord").Observe(time.Since(start).Seconds())
			if err != nil {
				d.logger.Warn("Discord API request failed, will retry", "method", method, "path", path, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					d.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				d.logger.Debug("Discord API request completed",
					"method", method,
					"path", path,
					"duration_ms", time.Since(start).Milliseconds())
				if out == nil || len(raw) == 0 {
					return nil
				}
				if err := json.Unmarshal(raw, out); err != nil {
					return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
				}
				return nil
			}

			apiErr := classifyDiscord(resp.StatusCode, raw)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				d.logger.Warn("Discord API returned retryable status, will retry",
					"status_code", resp.StatusCode,
					"path", path)
				return apiErr
			}
			return retry.Unrecoverable(apiErr)
		},
		retry.Attempts(3),
		retry.Delay(d.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(d.maxJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying Discord request after error", "attempt", n, "path", path, "error", err)
		}),
	)
}

// classifyDiscord maps an error response to a domain error. Missing or
// forbidden channels mean the destination is gone; a missing message is not.
func classifyDiscord(status int, raw []byte) error {
	var de discordError
	_ = json.Unmarshal(raw, &de) //nolint:errcheck // body may not be JSON
	base := fmt.Errorf("HTTP %d: %s (code %d)", status, de.Message, de.Code)

	switch {
	case status == http.StatusNotFound && de.Code == discordUnknownMessage:
		return fmt.Errorf("%w: %w", ErrUnknownMessage, base)
	case status == http.StatusNotFound, status == http.StatusForbidden, de.Code == discordUnknownChannel:
		return formwatch.NewError(formwatch.KindDestinationGone, base)
	default:
		return base
	}
}

func isGone(err error) bool {
	return errors.Is(err, formwatch.ErrDestinationGone)
}
