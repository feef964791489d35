package matchmaking

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

// ParticipantSummary is one roster entry of a response.
type ParticipantSummary struct {
	ID                   uuid.UUID              `json:"id"`
	DisplayName          string                 `json:"displayName"`
	FriendCount          int                    `json:"friendCount"`
	MultiplayerGameCount int                    `json:"multiplayerGameCount"`
	Rating               int                    `json:"rating"`
	AvatarRef            string                 `json:"avatarRef,omitempty"`
	InvitationState      models.InvitationState `json:"invitationState"`
	SelectedTribe        *models.Tribe          `json:"selectedTribe,omitempty"`
}

// LobbySummary describes the lobby a player ended up in.
type LobbySummary struct {
	LobbyID         uuid.UUID            `json:"lobbyId"`
	State           models.LobbyState    `json:"state"`
	MapPreset       models.MapPreset     `json:"mapPreset"`
	MapSize         models.MapSize       `json:"mapSize"`
	OpponentCount   int                  `json:"opponentCount"`
	GameMode        models.GameMode      `json:"gameMode"`
	ScoreLimit      int                  `json:"scoreLimit"`
	TimeLimit       int                  `json:"timeLimit"`
	WithPickedTribe bool                 `json:"withPickedTribe"`
	Participants    []ParticipantSummary `json:"participants"`
}

// JoinResponse is returned to a player after a join or create.
type JoinResponse struct {
	Outcome               string       `json:"outcome,omitempty"`
	LobbyName             string       `json:"lobbyName"`
	IsWaitingForOpponents bool         `json:"isWaitingForOpponents"`
	Summary               LobbySummary `json:"summary"`
}

// BuildResponse assembles the summary of l. users supplies identity data for the roster;
// participants missing from it get a placeholder name. It has no side effects.
func BuildResponse(l *models.Lobby, users map[uuid.UUID]*models.User, withPickedTribe bool) *JoinResponse {
	roster := make([]ParticipantSummary, 0, len(l.Participants))
	for _, p := range l.Participants {
		entry := ParticipantSummary{
			ID:              p.PlayerID,
			InvitationState: p.InvitationState,
			SelectedTribe:   p.SelectedTribe,
		}
		if u, ok := users[p.PlayerID]; ok && u != nil {
			entry.DisplayName = u.DisplayName
			entry.FriendCount = u.FriendCount
			entry.MultiplayerGameCount = u.MultiplayerGameCount
			entry.Rating = u.Rating
			entry.AvatarRef = u.AvatarRef
		} else {
			entry.DisplayName = fmt.Sprintf("Player_%s", p.PlayerID.String()[:4])
		}
		roster = append(roster, entry)
	}

	return &JoinResponse{
		LobbyName:             l.Name,
		IsWaitingForOpponents: l.MaxPlayers-len(l.Participants) > 0,
		Summary: LobbySummary{
			LobbyID:         l.ID,
			State:           l.State,
			MapPreset:       l.Settings.MapPreset,
			MapSize:         l.Settings.MapSize,
			OpponentCount:   l.MaxPlayers - 1,
			GameMode:        l.Settings.GameMode,
			ScoreLimit:      l.Settings.ScoreLimit,
			TimeLimit:       l.Settings.TimeLimit,
			WithPickedTribe: withPickedTribe,
			Participants:    roster,
		},
	}
}
