package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"gforms-notifier/fetch"
	"gforms-notifier/paginator"
	"gforms-notifier/pkg/formwatch"
)

// parseFilter accepts an RFC3339 timestamp or a "timestamp > T" / "timestamp >= T"
// expression and returns the exclusive lower bound for the listing.
// An empty filter matches every response.
func parseFilter(filter string) (time.Time, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return time.Time{}, nil
	}
	value, inclusive := filter, false
	if rest, ok := strings.CutPrefix(filter, "timestamp"); ok {
		rest = strings.TrimSpace(rest)
		if after, ok := strings.CutPrefix(rest, ">="); ok {
			rest, inclusive = after, true
		} else {
			rest = strings.TrimPrefix(rest, ">")
		}
		value = strings.TrimSpace(rest)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, formwatch.NewError(formwatch.KindInvalidTimestampFilter,
			fmt.Errorf("filter %q: %w", filter, err))
	}
	if inclusive {
		// The listing is strictly after its bound.
		t = t.Add(-time.Nanosecond)
	}
	return t, nil
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	formID := strings.TrimSpace(chi.URLParam(r, "formID"))

	since, err := parseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	docs, err := fetch.FetchSince(ctx, s.forms, formID, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(docs) == 0 {
		render.JSON(w, r, map[string]int{"responses": 0})
		return
	}

	schema, err := s.forms.Schema(ctx, formID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var pages []formwatch.Page
	for i := range docs {
		pages = append(pages, s.packer.Pack(schema, schema.Title, schema.Description, &docs[i])...)
	}

	v, err := s.sessions.Open(actor(ctx), pages)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Response preview opened", "form_id", formID, "responses", len(docs), "pages", len(pages), "actor", actor(ctx))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, v)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	v, err := s.sessions.View(chi.URLParam(r, "id"), actor(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, v)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	ev, err := paginator.ParseEvent(chi.URLParam(r, "action"))
	if err != nil {
		s.writeError(w, r, invalid("%w", err))
		return
	}
	s.navigate(w, r, ev)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.navigate(w, r, paginator.Close)
}

func (s *Server) navigate(w http.ResponseWriter, r *http.Request, ev paginator.Event) {
	v, err := s.sessions.Navigate(chi.URLParam(r, "id"), actor(r.Context()), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, v)
}
