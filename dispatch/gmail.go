package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"

	"gforms-notifier/pkg/formwatch"
)

// GmailSink mails pages as one HTML message per delivery. Destinations are e-mail addresses.
type GmailSink struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailSink creates a Gmail sink.
func NewGmailSink(service *gmail.Service, logger *slog.Logger) *GmailSink {
	return &GmailSink{
		service: service,
		logger:  logger,
	}
}

// sanitizeHeader removes newlines and control characters so a value cannot inject headers.
func sanitizeHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Send mails the message and returns the Gmail message id.
func (g *GmailSink) Send(ctx context.Context, to string, msg formwatch.Message) (string, error) {
	to = sanitizeHeader(to)
	if _, err := mail.ParseAddress(to); err != nil {
		// An address that can never be delivered to behaves like a deleted channel.
		return "", formwatch.NewError(formwatch.KindDestinationGone, fmt.Errorf("invalid address %q: %w", to, err))
	}
	subj := sanitizeHeader(subject(msg))

	var raw strings.Builder
	raw.WriteString("MIME-Version: 1.0\r\n")
	raw.WriteString(fmt.Sprintf("To: %s\r\n", to))
	raw.WriteString(fmt.Sprintf("Subject: %s\r\n", subj))
	raw.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	raw.WriteString(formatHTML(msg))
	encoded := base64.URLEncoding.EncodeToString([]byte(raw.String()))

	var id string
	err := retry.Do(
		func() error {
			start := time.Now()
			sent, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			requestDuration.WithLabelValues("gmail").Observe(time.Since(start).Seconds())
			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			id = sent.Id
			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"pages", len(msg.Pages),
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail send after error", "attempt", n, "error", err)
		}),
	)
	messagesTotal.WithLabelValues("gmail", outcome(err)).Inc()
	if err != nil {
		return "", fmt.Errorf("after retries: %w", err)
	}
	return id, nil
}
