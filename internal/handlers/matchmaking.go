package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/matchmaking"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

// joinRequest is the wire form of a queue-for-match call. Zero values of the optional
// dimensions mean "any".
type joinRequest struct {
	PlayerID          uuid.UUID        `json:"playerId"`
	Version           string           `json:"version"`
	MapSize           models.MapSize   `json:"mapSize"`
	MapPreset         models.MapPreset `json:"mapPreset"`
	GameMode          models.GameMode  `json:"gameMode"`
	ScoreLimit        int              `json:"scoreLimit"`
	TimeLimit         int              `json:"timeLimit"`
	Platform          models.Platform  `json:"platform"`
	AllowCrossPlay    bool             `json:"allowCrossPlay"`
	OpponentCount     int              `json:"opponentCount"`
	SelectedTribe     models.Tribe     `json:"selectedTribe"`
	SelectedTribeSkin *int             `json:"selectedTribeSkin,omitempty"`
}

func present[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

// filter converts the wire sentinels into absent filter dimensions.
func (req joinRequest) filter() models.Filter {
	return models.Filter{
		GameVersion:    req.Version,
		TimeLimit:      req.TimeLimit,
		Platform:       req.Platform,
		AllowCrossPlay: req.AllowCrossPlay,
		MapSize:        present(req.MapSize),
		MapPreset:      present(req.MapPreset),
		GameMode:       present(req.GameMode),
		ScoreLimit:     present(req.ScoreLimit),
		OpponentCount:  present(req.OpponentCount),
	}
}

// JoinHandler queues the caller for a match. It answers 201 when a lobby was created,
// 200 when an existing one was joined and 503 with Retry-After under contention.
func JoinHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := s.authenticate(w, r)
		if !ok {
			return
		}

		var req joinRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid join request payload", http.StatusBadRequest)
			return
		}
		if req.PlayerID != uuid.Nil && req.PlayerID != playerID {
			http.Error(w, "playerId does not match token", http.StatusForbidden)
			return
		}
		if req.OpponentCount < 0 {
			http.Error(w, "opponentCount must not be negative", http.StatusBadRequest)
			return
		}

		out, err := s.Matchmaker.Join(r.Context(), matchmaking.JoinRequest{
			PlayerID:          playerID,
			Filter:            req.filter(),
			SelectedTribe:     present(req.SelectedTribe),
			SelectedTribeSkin: req.SelectedTribeSkin,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		status := http.StatusOK
		if out.Kind == matchmaking.OutcomeCreated {
			status = http.StatusCreated
		}
		writeJSON(w, status, out.Response)
	}
}
