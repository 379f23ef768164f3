package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/status"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// submitMessage is the fallback path for clients without a live socket.
func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	var req messaging.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	req.Path = messaging.PathFallback
	m, err := s.deps.Messages.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	forEveryone, _ := strconv.ParseBool(q.Get("forEveryone"))
	if err := s.deps.Messages.Delete(r.Context(), mux.Vars(r)["id"], q.Get("userId"), forEveryone); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	var before int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "before must be a sequence number")
			return
		}
		before = n
	}
	msgs, err := s.deps.Messages.History(r.Context(), mux.Vars(r)["id"], q.Get("userId"), before, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []messaging.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type seenRequest struct {
	UserID string `json:"userId"`
}

type seenResponse struct {
	ConversationID string   `json:"conversationId"`
	Notified       []string `json:"notified"`
}

func (s *Server) markSeen(w http.ResponseWriter, r *http.Request) {
	var req seenRequest
	if !decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	senders, err := s.deps.Messages.MarkSeen(r.Context(), id, req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if senders == nil {
		senders = []string{}
	}
	writeJSON(w, http.StatusOK, seenResponse{ConversationID: id, Notified: senders})
}

type presenceView struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// presence lists online users, or reports one user with ?userId=.
func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("userId"); id != "" {
		v := presenceView{UserID: id, Online: s.deps.Presence.IsOnline(id)}
		if t, ok := s.deps.Presence.LastSeen(id); ok {
			v.LastSeen = &t
		}
		writeJSON(w, http.StatusOK, v)
		return
	}
	online := s.deps.Presence.ListOnline()
	out := make([]presenceView, 0, len(online))
	for _, id := range online {
		out = append(out, presenceView{UserID: id, Online: true})
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Status   string            `json:"status"`
	Platform string            `json:"platform"`
	Adapters []status.Snapshot `json:"adapters"`
}

// healthz reports "degraded" while any adapter is not READY. The daemon
// still answers 200 so relays keep flowing to the healthy adapters.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Platform: s.deps.Platform, Adapters: []status.Snapshot{}}
	for _, a := range s.deps.Adapters {
		snap := a.Status()
		if snap.State != status.Ready {
			resp.Status = "degraded"
		}
		resp.Adapters = append(resp.Adapters, snap)
	}
	writeJSON(w, http.StatusOK, resp)
}
