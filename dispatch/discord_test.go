package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gforms-notifier/pkg/formwatch"
)

type discordServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(n int, r *http.Request) (int, string)
}

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   discordMessage
}

func (s *discordServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body discordMessage
	_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // asserted via recorded body
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
	n := len(s.requests)
	s.mu.Unlock()

	status, resp := http.StatusOK, fmt.Sprintf(`{"id":"m%d"}`, n)
	if s.respond != nil {
		status, resp = s.respond(n, r)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp)) //nolint:errcheck // test server
}

func (s *discordServer) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func newDiscord(t *testing.T, srv *discordServer) *DiscordSink {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	d := NewDiscordSink("secret", ts.URL, testLogger())
	d.delay = time.Millisecond
	d.maxJitter = time.Millisecond
	return d
}

func TestDiscordSendBatches(t *testing.T) {
	srv := &discordServer{}
	d := newDiscord(t, srv)

	pages := make([]formwatch.Page, 12)
	for i := range pages {
		pages[i] = formwatch.Page{Content: fmt.Sprintf("page %d", i), Footer: "resp-1"}
	}
	pages[0].Title = "Survey"
	pages[0].Timestamp = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	ref, err := d.Send(context.Background(), "42", formwatch.Message{Mentions: []string{"7"}, Pages: pages})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ref != "m1" {
		t.Errorf("ref = %q, want m1", ref)
	}
	if len(srv.recorded()) != 2 {
		t.Fatalf("got %d requests, want 2", len(srv.recorded()))
	}
	first, second := srv.recorded()[0], srv.recorded()[1]
	if first.Method != http.MethodPost || first.Path != "/channels/42/messages" || first.Auth != "Bot secret" {
		t.Errorf("first request = %s %s auth %q", first.Method, first.Path, first.Auth)
	}
	if len(first.Body.Embeds) != 10 || len(second.Body.Embeds) != 2 {
		t.Errorf("embeds per message = %d, %d, want 10, 2", len(first.Body.Embeds), len(second.Body.Embeds))
	}
	if first.Body.Content != "<@7>" || second.Body.Content != "" {
		t.Errorf("mentions = %q, %q, want only on first message", first.Body.Content, second.Body.Content)
	}
	e := first.Body.Embeds[0]
	if e.Title != "Survey" || e.Footer == nil || e.Footer.Text != "resp-1" || e.Timestamp != "2024-06-01T10:00:00Z" {
		t.Errorf("first embed = %+v", e)
	}
	if second.Body.Embeds[1].Description != "page 11" {
		t.Errorf("last embed = %q, want page 11", second.Body.Embeds[1].Description)
	}
}

func TestDiscordErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantGone bool
		wantReqs int
	}{
		{"unknown channel", http.StatusNotFound, `{"code":10003,"message":"Unknown Channel"}`, true, 1},
		{"missing access", http.StatusForbidden, `{"code":50001,"message":"Missing Access"}`, true, 1},
		{"bad request", http.StatusBadRequest, `{"code":50035,"message":"Invalid Form Body"}`, false, 1},
		{"server error retried", http.StatusBadGateway, `oops`, false, 3},
		{"rate limited retried", http.StatusTooManyRequests, `{"message":"You are being rate limited.","retry_after":0.001}`, false, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &discordServer{respond: func(int, *http.Request) (int, string) { return tt.status, tt.body }}
			d := newDiscord(t, srv)
			_, err := d.Send(context.Background(), "42", formwatch.Message{Pages: pagesOfSize(3)})
			if err == nil {
				t.Fatal("Send() error = nil")
			}
			if got := errors.Is(err, formwatch.ErrDestinationGone); got != tt.wantGone {
				t.Errorf("destination gone = %v, want %v (err %v)", got, tt.wantGone, err)
			}
			if len(srv.recorded()) != tt.wantReqs {
				t.Errorf("requests = %d, want %d", len(srv.recorded()), tt.wantReqs)
			}
		})
	}
}

func TestDiscordRecoversAfterServerError(t *testing.T) {
	srv := &discordServer{respond: func(n int, _ *http.Request) (int, string) {
		if n == 1 {
			return http.StatusServiceUnavailable, ""
		}
		return http.StatusOK, `{"id":"ok"}`
	}}
	d := newDiscord(t, srv)
	ref, err := d.Send(context.Background(), "42", formwatch.Message{Pages: pagesOfSize(3)})
	if err != nil || ref != "ok" {
		t.Errorf("Send() = %q, %v, want ok", ref, err)
	}
}

func TestDiscordEdit(t *testing.T) {
	t.Run("patches the message", func(t *testing.T) {
		srv := &discordServer{}
		d := newDiscord(t, srv)
		if err := d.Edit(context.Background(), "42", "m9", formwatch.Message{Pages: pagesOfSize(3)}); err != nil {
			t.Fatalf("Edit() error = %v", err)
		}
		if r := srv.recorded()[0]; r.Method != http.MethodPatch || r.Path != "/channels/42/messages/m9" {
			t.Errorf("request = %s %s", r.Method, r.Path)
		}
	})

	t.Run("unknown message is not a gone destination", func(t *testing.T) {
		srv := &discordServer{respond: func(int, *http.Request) (int, string) {
			return http.StatusNotFound, `{"code":10008,"message":"Unknown Message"}`
		}}
		d := newDiscord(t, srv)
		err := d.Edit(context.Background(), "42", "m9", formwatch.Message{Pages: pagesOfSize(3)})
		if !errors.Is(err, ErrUnknownMessage) || errors.Is(err, formwatch.ErrDestinationGone) {
			t.Errorf("Edit() error = %v, want unknown message only", err)
		}
	})

	t.Run("refuses multi-message edits", func(t *testing.T) {
		d := newDiscord(t, &discordServer{})
		err := d.Edit(context.Background(), "42", "m9", formwatch.Message{Pages: pagesOfSize(1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)})
		if err == nil {
			t.Error("Edit() error = nil for an oversized notice")
		}
	})
}
