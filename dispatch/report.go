package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gforms-notifier/pkg/formwatch"
)

const maxReportDetail = 3000

// Reporter surfaces watch failures to operators. Every failure is logged; when
// an operations destination is configured it is also posted there.
type Reporter struct {
	sink        Sink
	destination string
	logger      *slog.Logger
}

// NewReporter creates a reporter. An empty destination reports to the log only.
func NewReporter(sink Sink, destination string, logger *slog.Logger) *Reporter {
	return &Reporter{
		sink:        sink,
		destination: destination,
		logger:      logger,
	}
}

// Report records a failed poll of rec.
func (r *Reporter) Report(ctx context.Context, rec *formwatch.WatchRecord, err error) {
	kind := formwatch.KindOf(err)
	if kind == "" {
		kind = "unclassified"
	}
	reportsTotal.WithLabelValues(string(kind)).Inc()
	r.logger.Error("Watch poll failed",
		"form_id", rec.FormID,
		"form_title", rec.FormTitle,
		"destination_id", rec.DestinationID,
		"guild_id", rec.GuildID,
		"kind", kind,
		"error", err)

	if r.destination == "" || r.sink == nil {
		return
	}
	// Failures of the operations destination itself are only logged.
	if rec.DestinationID == r.destination {
		return
	}

	title := rec.FormTitle
	if title == "" {
		title = rec.FormID
	}
	detail := []rune(err.Error())
	if len(detail) > maxReportDetail {
		detail = append(detail[:maxReportDetail], '…')
	}
	page := formwatch.Page{
		Title:     "Watch failed: " + title,
		Content:   fmt.Sprintf("- Form: %s\n- Destination: %s\n- Kind: %s\n```\n%v\n```", rec.FormID, rec.DestinationID, kind, string(detail)),
		Footer:    rec.ID,
		Timestamp: time.Now().UTC(),
	}
	if _, sendErr := r.sink.Send(ctx, r.destination, formwatch.Message{Pages: []formwatch.Page{page}}); sendErr != nil {
		r.logger.Warn("Failed to post operator report", "destination_id", r.destination, "error", sendErr)
	}
}
