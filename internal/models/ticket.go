// internal/models/ticket.go
package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Criteria are the attributes a matchmaking filter is evaluated against.
type Criteria struct {
	GameVersion    string    `json:"gameVersion"`
	MapSize        MapSize   `json:"mapSize"`
	MapPreset      MapPreset `json:"mapPreset"`
	GameMode       GameMode  `json:"gameMode"`
	ScoreLimit     int       `json:"scoreLimit"`
	TimeLimit      int       `json:"timeLimit"`
	Platform       Platform  `json:"platform"`
	AllowCrossPlay bool      `json:"allowCrossPlay"`
}

// MatchmakingTicket is the matchable projection of a lobby in the Matchmaking state.
// PlayerIDs mirrors the lobby's participants so capacity and membership can be checked
// without loading the lobby.
type MatchmakingTicket struct {
	ID         uuid.UUID   `json:"id"`
	LobbyID    uuid.UUID   `json:"lobbyId"`
	Criteria   Criteria    `json:"criteria"`
	MaxPlayers int         `json:"maxPlayers"`
	PlayerIDs  []uuid.UUID `json:"playerIds"`
	Version    int64       `json:"version"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// HasPlayer reports whether playerID already holds a slot on the ticket.
func (t *MatchmakingTicket) HasPlayer(playerID uuid.UUID) bool {
	return slices.Contains(t.PlayerIDs, playerID)
}

// IsFull reports whether no slot is left.
func (t *MatchmakingTicket) IsFull() bool {
	return len(t.PlayerIDs) >= t.MaxPlayers
}

// Clone returns a deep copy.
func (t *MatchmakingTicket) Clone() *MatchmakingTicket {
	if t == nil {
		return nil
	}
	c := *t
	c.PlayerIDs = slices.Clone(t.PlayerIDs)
	return &c
}
