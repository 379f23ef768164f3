package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/platform"
)

func (s *Server) registerPeer(w http.ResponseWriter, r *http.Request) {
	var req federation.RegisterPeerRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.deps.Registry.RegisterPeer(r.Context(), req.Name, req.Endpoint)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.deps.Registry.ListPeers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]federation.PeerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, federation.PeerView{Peer: p, Status: s.deps.Registry.PeerStatus(p)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) removePeer(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.RemovePeer(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) registerRoom(w http.ResponseWriter, r *http.Request) {
	var req federation.RegisterRoomRequest
	if !decode(w, r, &req) {
		return
	}
	spec := federation.RoomSpec{ID: req.RoomID, Name: req.Name, AllowedPlatforms: req.AllowedPlatforms}
	room, err := s.deps.Registry.CreateRoom(r.Context(), spec, req.OriginEndpoint)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.deps.Registry.ListRooms(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []federation.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.deps.Registry.GetRoom(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// deleteRoom removes the local room, with its history and bindings, and the
// embedded directory entry. Either one existing is enough for a 204.
func (s *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found := false
	if s.deps.Messages != nil {
		switch err := s.deps.Messages.DeleteRoom(r.Context(), id); {
		case err == nil:
			found = true
		case !errors.Is(err, messaging.ErrNotFound):
			s.fail(w, r, err)
			return
		}
	}
	if s.deps.Registry != nil {
		switch err := s.deps.Registry.DeleteRoom(r.Context(), id); {
		case err == nil:
			found = true
		case !errors.Is(err, federation.ErrUnknownRoom):
			s.fail(w, r, err)
			return
		}
	}
	if !found {
		s.fail(w, r, fmt.Errorf("%w: %s", federation.ErrUnknownRoom, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// relayMessage fans a message out. Per-peer failures are in the results and
// never fail the request.
func (s *Server) relayMessage(w http.ResponseWriter, r *http.Request) {
	var req federation.RelayMessageRequest
	if !decode(w, r, &req) {
		return
	}
	origin := req.OriginatingPlatform
	if origin == "" {
		origin = req.Message.OriginPlatform
	}
	results, err := s.deps.Registry.Relay(r.Context(), req.RoomID, req.Message, origin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if results == nil {
		results = []federation.RelayResult{}
	}
	writeJSON(w, http.StatusOK, federation.RelayMessageResponse{RoomID: req.RoomID, Results: results})
}

func (s *Server) platformRelay(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	h, ok := s.deps.Relays[name]
	if !ok && name == s.deps.Platform && s.deps.Local != nil {
		h, ok = s.deps.Local, true
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_platform", "platform "+name+" is not served here")
		return
	}
	s.relayTo(h)(w, r)
}

func (s *Server) relayTo(h platform.RelayHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req federation.InboundRelayRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Message.CorrelationID == "" {
			req.Message.CorrelationID = r.Header.Get("X-Correlation-ID")
		}
		resp, err := h.HandleRelay(r.Context(), req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
