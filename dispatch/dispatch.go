// Package dispatch delivers packed pages to destinations through pluggable sinks.
package dispatch

import (
	"context"
	"strings"

	"gforms-notifier/pkg/formwatch"
)

const (
	// MaxPagesPerMessage is the most pages one message may carry.
	MaxPagesPerMessage = 10
	// MaxMessageSize bounds the combined size of every page in one message.
	MaxMessageSize = 6000
)

// Sink sends a message to a destination and returns a reference to the first
// message it created.
type Sink interface {
	Send(ctx context.Context, destinationID string, msg formwatch.Message) (string, error)
}

// Batch splits pages into ordered groups that each fit in one message.
// A single page larger than maxSize still gets a group of its own.
func Batch(pages []formwatch.Page, maxPages, maxSize int) [][]formwatch.Page {
	var out [][]formwatch.Page
	var cur []formwatch.Page
	size := 0
	for _, p := range pages {
		if len(cur) > 0 && (len(cur) == maxPages || size+p.Size() > maxSize) {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, p)
		size += p.Size()
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// mentionLine renders mention targets. Raw ids become user mentions; values
// already in mention syntax are kept.
func mentionLine(targets []string) string {
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case strings.HasPrefix(t, "<"):
			parts = append(parts, t)
		default:
			parts = append(parts, "<@"+t+">")
		}
	}
	return strings.Join(parts, " ")
}
