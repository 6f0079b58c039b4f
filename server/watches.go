package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"gforms-notifier/forms"
	"gforms-notifier/pkg/formwatch"
	"gforms-notifier/watch"
)

const maxKeySize = 64 << 10

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	key, err := io.ReadAll(io.LimitReader(r.Body, maxKeySize))
	if err != nil {
		s.writeError(w, r, invalid("read key: %w", err))
		return
	}
	if err := forms.ValidateKey(key); err != nil {
		s.writeError(w, r, invalid("%w", err))
		return
	}
	if err := s.credentials.Save(key); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.forms.Reset()
	s.scheduler.Resume()

	s.logger.Info("Credentials configured", "actor", actor(r.Context()))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{"status": "configured"})
}

func (s *Server) handleClearSetup(w http.ResponseWriter, r *http.Request) {
	if err := s.credentials.Clear(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.forms.Reset()
	s.logger.Warn("Credentials cleared", "actor", actor(r.Context()))
	render.JSON(w, r, map[string]string{"status": "cleared"})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req watch.Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, invalid("decode request: %w", err))
		return
	}
	rec, err := s.registry.Watch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rec)
}

func (s *Server) handleListWatches(w http.ResponseWriter, r *http.Request) {
	recs, err := s.registry.List(r.Context(), r.URL.Query().Get("guild_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*formwatch.WatchRecord{}
	}
	render.JSON(w, r, recs)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guild_id")
	n, err := s.registry.Reset(r.Context(), guildID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Watches reset via API", "actor", actor(r.Context()), "guild_id", guildID, "deleted", n)
	render.JSON(w, r, map[string]int{"deleted": n})
}

func watchKey(r *http.Request) formwatch.Key {
	return formwatch.Key{
		FormID:        strings.TrimSpace(chi.URLParam(r, "formID")),
		DestinationID: strings.TrimSpace(chi.URLParam(r, "destinationID")),
	}
}

func (s *Server) handleEditWatch(w http.ResponseWriter, r *http.Request) {
	var req watch.Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, invalid("decode request: %w", err))
		return
	}
	rec, err := s.registry.Edit(r.Context(), watchKey(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, rec)
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	key := watchKey(r)
	if err := s.registry.Unwatch(r.Context(), key.FormID, key.DestinationID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Watch removed", "actor", actor(r.Context()), "form_id", key.FormID, "destination_id", key.DestinationID)
	w.WriteHeader(http.StatusNoContent)
}
