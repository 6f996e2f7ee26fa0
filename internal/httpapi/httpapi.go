// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi serves read-only admin views of the account stores
// together with health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/ledger"
	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/persist"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// Store is what the views read from an account store.
type Store interface {
	ledger.Reader
	Messages(ctx context.Context, conversationID string, limit int) ([]*persist.Message, error)
	Contacts(ctx context.Context) ([]*persist.Contact, error)
}

// Pending counts inbox entries by status.
type Pending interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// LastIngest reports the liveness marker time.
type LastIngest interface {
	Last() (time.Time, error)
}

// Server routes requests to the account stores, keyed by channel name.
type Server struct {
	Stores map[string]Store
	Inbox  Pending
	Marker LastIngest
	Log    *logger.Logger
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logging)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/{channel}", func(r chi.Router) {
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/{id}", s.getConversation)
		r.Get("/contacts", s.listContacts)
	})
	return r
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type health struct {
	Status     string         `json:"status"`
	LastIngest *time.Time     `json:"last_ingest,omitempty"`
	Inbox      map[string]int `json:"inbox,omitempty"`
	Channels   []string       `json:"channels"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok", Channels: []string{}}
	for name := range s.Stores {
		h.Channels = append(h.Channels, name)
	}
	sort.Strings(h.Channels)
	if s.Marker != nil {
		if t, err := s.Marker.Last(); err == nil && !t.IsZero() {
			h.LastIngest = &t
		}
	}
	if s.Inbox != nil {
		counts, err := s.Inbox.CountByStatus(r.Context())
		if err != nil {
			s.Log.Warn("inbox unavailable", zap.Error(err))
			h.Status = "degraded"
		}
		h.Inbox = counts
	}
	writeJSON(w, http.StatusOK, h)
}

// store resolves the {channel} parameter, writing a 404 when unknown.
func (s *Server) store(w http.ResponseWriter, r *http.Request) (Store, bool) {
	st, ok := s.Stores[chi.URLParam(r, "channel")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
	}
	return st, ok
}

func limitParam(r *http.Request) int {
	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}
	return limit
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	convs, err := ledger.List(r.Context(), st, limitParam(r))
	if err != nil {
		s.Log.Error("listing conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

type messageView struct {
	ID                int64     `json:"id"`
	ExternalMessageID string    `json:"message_id,omitempty"`
	Direction         string    `json:"direction"`
	Sender            string    `json:"sender"`
	Recipient         string    `json:"recipient,omitempty"`
	Subject           string    `json:"subject,omitempty"`
	Body              string    `json:"body"`
	InboxRef          *int64    `json:"inbox_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	// Relay group ids may contain an escaped slash.
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	snap, err := ledger.Get(r.Context(), st, id)
	if err == ledger.ErrNotFound {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.Log.Error("reading conversation", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read conversation")
		return
	}
	msgs, err := st.Messages(r.Context(), id, limitParam(r))
	if err != nil {
		s.Log.Error("listing messages", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:                m.ID,
			ExternalMessageID: m.ExternalMessageID,
			Direction:         string(m.Direction),
			Sender:            m.Sender,
			Recipient:         m.Recipient,
			Subject:           m.Subject,
			Body:              m.Body,
			InboxRef:          m.InboxRef,
			CreatedAt:         m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": snap,
		"messages":     views,
	})
}

type contactView struct {
	ID           string    `json:"id"`
	Kind         string    `json:"type"`
	Name         string    `json:"name,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	MessageCount int       `json:"message_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	contacts, err := st.Contacts(r.Context())
	if err != nil {
		s.Log.Error("listing contacts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list contacts")
		return
	}
	views := make([]contactView, 0, len(contacts))
	for _, c := range contacts {
		views = append(views, contactView(*c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contacts": views})
}
