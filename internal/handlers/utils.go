package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/matchmaking"
	"github.com/jason-s-yu/matchmaker/internal/store"
)

// authenticate resolves the caller or writes a 401 and returns false.
func (s *APIServer) authenticate(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	playerID, err := s.Auth.Authenticate(r)
	if err != nil {
		http.Error(w, "invalid or missing auth token", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return playerID, true
}

// decodeBody reads a JSON body. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func lobbyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid lobby id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP statuses. Contention is reported as retryable.
func (s *APIServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case matchmaking.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, matchmaking.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, matchmaking.ErrPlayerNotFound),
		errors.Is(err, matchmaking.ErrLobbyNotFound),
		errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, matchmaking.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, lobby.ErrInvalidTransition),
		errors.Is(err, lobby.ErrLobbyFull),
		errors.Is(err, lobby.ErrAlreadyEnrolled),
		errors.Is(err, matchmaking.ErrNoPendingInvitation):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.Logger.WithField("path", r.URL.Path).Errorf("request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
