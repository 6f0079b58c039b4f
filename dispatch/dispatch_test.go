package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"gforms-notifier/pkg/formwatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pagesOfSize(sizes ...int) []formwatch.Page {
	out := make([]formwatch.Page, 0, len(sizes))
	for _, n := range sizes {
		out = append(out, formwatch.Page{Content: strings.Repeat("x", n)})
	}
	return out
}

func TestBatch(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
		want  []int // pages per batch
	}{
		{"empty", nil, nil},
		{"single", []int{10}, []int{1}},
		{"ten fit", []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, []int{10}},
		{"eleventh page starts a new message", []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, []int{10, 1}},
		{"size ceiling", []int{4000, 1500, 600}, []int{2, 1}},
		{"exactly at ceiling", []int{3000, 3000, 1}, []int{2, 1}},
		{"oversized page alone", []int{7000, 10}, []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Batch(pagesOfSize(tt.sizes...), MaxPagesPerMessage, MaxMessageSize)
			if len(got) != len(tt.want) {
				t.Fatalf("Batch() produced %d batches, want %d", len(got), len(tt.want))
			}
			for i, b := range got {
				if len(b) != tt.want[i] {
					t.Errorf("batch %d has %d pages, want %d", i, len(b), tt.want[i])
				}
			}
		})
	}
}

func TestBatchKeepsOrder(t *testing.T) {
	pages := make([]formwatch.Page, 0, 25)
	for i := range 25 {
		pages = append(pages, formwatch.Page{Footer: string(rune('a' + i))})
	}
	var flat []formwatch.Page
	for _, b := range Batch(pages, MaxPagesPerMessage, MaxMessageSize) {
		flat = append(flat, b...)
	}
	for i := range pages {
		if flat[i].Footer != pages[i].Footer {
			t.Fatalf("page %d = %q, want %q", i, flat[i].Footer, pages[i].Footer)
		}
	}
}

func TestMentionLine(t *testing.T) {
	got := mentionLine([]string{"123", " <@&456> ", "", "<@789>"})
	if want := "<@123> <@&456> <@789>"; got != want {
		t.Errorf("mentionLine() = %q, want %q", got, want)
	}
}

func TestMockSinkRecords(t *testing.T) {
	m := NewMockSink(testLogger())
	ctx := context.Background()
	ref, err := m.Send(ctx, "chan", formwatch.Message{Pages: pagesOfSize(5)})
	if err != nil || ref == "" {
		t.Fatalf("Send() = %q, %v", ref, err)
	}
	if err := m.Edit(ctx, "chan", ref, formwatch.Message{Pages: pagesOfSize(3)}); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	d := m.Deliveries()
	if len(d) != 2 || d[1].Ref != ref || !d[1].Edited {
		t.Errorf("Deliveries() = %+v", d)
	}
}

type failingSink struct {
	sent []formwatch.Message
	err  error
}

func (f *failingSink) Send(_ context.Context, _ string, msg formwatch.Message) (string, error) {
	f.sent = append(f.sent, msg)
	return "", f.err
}

func TestReporter(t *testing.T) {
	rec := &formwatch.WatchRecord{ID: "w1", FormID: "form", DestinationID: "chan", FormTitle: "Survey"}
	cause := formwatch.NewError(formwatch.KindPermissionDenied, errors.New("403"))

	t.Run("posts to ops destination", func(t *testing.T) {
		sink := &failingSink{}
		NewReporter(sink, "ops", testLogger()).Report(context.Background(), rec, cause)
		if len(sink.sent) != 1 {
			t.Fatalf("sent %d reports, want 1", len(sink.sent))
		}
		p := sink.sent[0].Pages[0]
		if !strings.Contains(p.Title, "Survey") || !strings.Contains(p.Content, "permission_denied") || !strings.Contains(p.Content, "chan") {
			t.Errorf("report page = %+v", p)
		}
	})

	t.Run("log only without destination", func(t *testing.T) {
		sink := &failingSink{}
		NewReporter(sink, "", testLogger()).Report(context.Background(), rec, cause)
		if len(sink.sent) != 0 {
			t.Errorf("sent %d reports, want 0", len(sink.sent))
		}
	})

	t.Run("ops destination failing itself", func(t *testing.T) {
		sink := &failingSink{}
		opsRec := *rec
		opsRec.DestinationID = "ops"
		NewReporter(sink, "ops", testLogger()).Report(context.Background(), &opsRec, cause)
		if len(sink.sent) != 0 {
			t.Errorf("sent %d reports, want 0", len(sink.sent))
		}
	})

	t.Run("send failure is swallowed", func(t *testing.T) {
		sink := &failingSink{err: errors.New("down")}
		NewReporter(sink, "ops", testLogger()).Report(context.Background(), rec, errors.New("boom"))
		if len(sink.sent) != 1 {
			t.Errorf("sent %d reports, want 1", len(sink.sent))
		}
	})
}
