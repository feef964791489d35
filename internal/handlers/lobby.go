// internal/handlers/lobby.go
package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

// createLobbyRequest configures a direct lobby. Zero settings are filled with defaults.
type createLobbyRequest struct {
	Version           string                 `json:"version"`
	Platform          models.Platform        `json:"platform"`
	AllowCrossPlay    bool                   `json:"allowCrossPlay"`
	MapSize           models.MapSize         `json:"mapSize"`
	MapPreset         models.MapPreset       `json:"mapPreset"`
	GameMode          models.GameMode        `json:"gameMode"`
	ScoreLimit        int                    `json:"scoreLimit"`
	TimeLimit         int                    `json:"timeLimit"`
	OpponentCount     int                    `json:"opponentCount"`
	DisabledTribes    []models.Tribe         `json:"disabledTribes,omitempty"`
	Bots              []models.BotDifficulty `json:"bots,omitempty"`
	SelectedTribe     models.Tribe           `json:"selectedTribe"`
	SelectedTribeSkin *int                   `json:"selectedTribeSkin,omitempty"`
}

type inviteRequest struct {
	PlayerID uuid.UUID `json:"playerId"`
}

type respondRequest struct {
	Accept bool `json:"accept"`
}

// CreateLobbyHandler creates an Open lobby owned by the caller. Other players enter it
// only by invitation.
func CreateLobbyHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		var req createLobbyRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "bad lobby request payload", http.StatusBadRequest)
			return
		}

		out, err := s.Matchmaker.CreateLobby(r.Context(), lobby.Request{
			OwnerID:           ownerID,
			GameVersion:       req.Version,
			Platform:          req.Platform,
			AllowCrossPlay:    req.AllowCrossPlay,
			MapPreset:         present(req.MapPreset),
			MapSize:           present(req.MapSize),
			GameMode:          present(req.GameMode),
			ScoreLimit:        present(req.ScoreLimit),
			TimeLimit:         req.TimeLimit,
			OpponentCount:     req.OpponentCount,
			DisabledTribes:    req.DisabledTribes,
			Bots:              req.Bots,
			SelectedTribe:     present(req.SelectedTribe),
			SelectedTribeSkin: req.SelectedTribeSkin,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, out.Response)
	}
}

// GetLobbyHandler returns the summary of a lobby the caller belongs to.
func GetLobbyHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id, ok := lobbyID(w, r)
		if !ok {
			return
		}
		resp, err := s.Matchmaker.GetLobby(r.Context(), id, playerID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ListMyLobbiesHandler lists the caller's lobbies that are not closed.
func ListMyLobbiesHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		lobbies, err := s.Matchmaker.ListMyLobbies(r.Context(), playerID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, lobbies)
	}
}

// CloseLobbyHandler closes a lobby owned by the caller.
func CloseLobbyHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id, ok := lobbyID(w, r)
		if !ok {
			return
		}
		if err := s.Matchmaker.CloseLobby(r.Context(), id, playerID); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// InviteHandler adds a player to an Open lobby owned by the caller.
func InviteHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id, ok := lobbyID(w, r)
		if !ok {
			return
		}
		var req inviteRequest
		if err := decodeBody(r, &req); err != nil || req.PlayerID == uuid.Nil {
			http.Error(w, "invite needs a playerId", http.StatusBadRequest)
			return
		}

		l, err := s.Matchmaker.Invite(r.Context(), id, ownerID, req.PlayerID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

// RespondHandler accepts or declines the caller's pending invitation.
func RespondHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id, ok := lobbyID(w, r)
		if !ok {
			return
		}
		var req respondRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid respond payload", http.StatusBadRequest)
			return
		}

		l, err := s.Matchmaker.RespondToInvitation(r.Context(), id, playerID, req.Accept)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

// StartLobbyHandler starts a lobby owned by the caller.
func StartLobbyHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id, ok := lobbyID(w, r)
		if !ok {
			return
		}
		l, err := s.Matchmaker.StartLobby(r.Context(), id, ownerID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}
