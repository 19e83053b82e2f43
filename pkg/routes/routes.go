// Package routes exposes the node over HTTP: JSON read/send endpoints and
// a server-sent-events stream mirroring the engine's observability
// streams. It is a subscriber of the mesh core, never part of the frame
// pipeline.
package routes

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/bramblemesh/bramble/pkg/engine"
	"github.com/bramblemesh/bramble/pkg/friends"
	"github.com/bramblemesh/bramble/pkg/identity"
	"github.com/bramblemesh/bramble/pkg/store"
)

// Router serves the node's HTTP surface.
type Router struct {
	engine  *engine.Engine
	id      *identity.Identity
	friends *friends.Service
	history store.HistoryStore
}

// New assembles the HTTP router over the running engine.
func New(e *engine.Engine, id *identity.Identity, fs *friends.Service, hist store.HistoryStore) *Router {
	return &Router{engine: e, id: id, friends: fs, history: hist}
}

// Handler builds the full handler chain with request logging.
func (rt *Router) Handler() http.Handler {
	r := mux.NewRouter().StrictSlash(true)

	r.HandleFunc("/api/status", rt.getStatus).Methods("GET")
	r.HandleFunc("/api/peers", rt.getPeers).Methods("GET")
	r.HandleFunc("/api/neighbors", rt.getNeighbors).Methods("GET")
	r.HandleFunc("/api/messages", rt.getMessages).Methods("GET")
	r.HandleFunc("/api/history", rt.getHistory).Methods("GET")
	r.HandleFunc("/api/friends", rt.getFriends).Methods("GET")
	r.HandleFunc("/api/friends", rt.addFriend).Methods("POST")
	r.HandleFunc("/api/friends/{code}", rt.removeFriend).Methods("DELETE")
	r.HandleFunc("/api/nickname", rt.setNickname).Methods("POST")
	r.HandleFunc("/api/send", rt.sendMessage).Methods("POST")
	r.HandleFunc("/api/sos", rt.sendSOS).Methods("POST")
	r.HandleFunc("/api/direct", rt.sendDirect).Methods("POST")
	r.HandleFunc("/api/events", rt.eventsSSE).Methods("GET")

	return handlers.RecoveryHandler()(handlers.CombinedLoggingHandler(os.Stdout, r))
}

type statusResponse struct {
	NodeID         string         `json:"node_id"`
	NodeHash       uint16         `json:"node_hash"`
	FriendCode     string         `json:"friend_code"`
	Nickname       string         `json:"nickname"`
	Stats          engine.Stats   `json:"stats"`
	PeerCount      int            `json:"peer_count"`
	NeighborCount  int            `json:"neighbor_count"`
	PendingFriends map[string]int `json:"pending_friend_requests"`
}

func (rt *Router) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		NodeID:         rt.id.NodeID,
		NodeHash:       rt.id.NodeHash,
		FriendCode:     rt.id.FriendCode,
		Nickname:       rt.id.Nickname(),
		Stats:          rt.engine.Snapshot(),
		PeerCount:      len(rt.engine.PeersSnapshot()),
		NeighborCount:  len(rt.engine.DirectNeighbors()),
		PendingFriends: rt.engine.PendingFriendRequests(),
	})
}

func (rt *Router) getPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.engine.PeersSnapshot())
}

func (rt *Router) getNeighbors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.engine.DirectNeighbors())
}

func (rt *Router) getMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.engine.MessageLog())
}

func (rt *Router) getHistory(w http.ResponseWriter, r *http.Request) {
	if rt.history == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	limit := 100
	recs, err := rt.history.Recent(limit)
	if err != nil {
		slog.Error("history query failed", "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (rt *Router) getFriends(w http.ResponseWriter, r *http.Request) {
	list, err := rt.friends.List()
	if err != nil {
		slog.Error("friend list query failed", "error", err)
		http.Error(w, "friend list unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type addFriendRequest struct {
	Code     string `json:"code"`
	Nickname string `json:"nickname"`
}

// addFriend saves the friend locally and starts the over-the-air
// friend-request handshake toward that code.
func (rt *Router) addFriend(w http.ResponseWriter, r *http.Request) {
	var req addFriendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := rt.friends.Add(req.Code, req.Nickname); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := rt.engine.RequestFriend(req.Code); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (rt *Router) removeFriend(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if err := rt.friends.Remove(code); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

func (rt *Router) setNickname(w http.ResponseWriter, r *http.Request) {
	var req nicknameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := rt.id.SetNickname(req.Nickname); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Text string `json:"text"`
	Code string `json:"code,omitempty"`
}

func (rt *Router) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	msg, err := rt.engine.SendMessage(r.Context(), req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (rt *Router) sendSOS(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	msg, err := rt.engine.SendSOS(r.Context(), req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (rt *Router) sendDirect(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	msg, err := rt.engine.SendDirect(r.Context(), req.Code, req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}
