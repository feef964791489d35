// internal/models/lobby.go
package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Settings holds the map and rule configuration of a lobby.
type Settings struct {
	MapPreset      MapPreset       `json:"mapPreset"`
	MapSize        MapSize         `json:"mapSize"`
	GameMode       GameMode        `json:"gameMode"`
	ScoreLimit     int             `json:"scoreLimit"`
	TimeLimit      int             `json:"timeLimit"`
	DisabledTribes []Tribe         `json:"disabledTribes,omitempty"`
	Bots           []BotDifficulty `json:"bots,omitempty"`
}

// Participant is a player's membership in one lobby.
type Participant struct {
	PlayerID          uuid.UUID       `json:"playerId"`
	InvitationState   InvitationState `json:"invitationState"`
	SelectedTribe     *Tribe          `json:"selectedTribe,omitempty"`
	SelectedTribeSkin *int            `json:"selectedTribeSkin,omitempty"`
	JoinedAt          time.Time       `json:"joinedAt"`
}

// Lobby represents a game session awaiting or holding players. Participants are kept in
// join order and are unique by PlayerID.
type Lobby struct {
	ID             uuid.UUID     `json:"id"`
	OwnerID        uuid.UUID     `json:"ownerId"`
	Name           string        `json:"name"`
	GameVersion    string        `json:"gameVersion"`
	Platform       Platform      `json:"platform"`
	AllowCrossPlay bool          `json:"allowCrossPlay"`
	Settings       Settings      `json:"settings"`
	MaxPlayers     int           `json:"maxPlayers"`
	State          LobbyState    `json:"state"`
	Participants   []Participant `json:"participants"`

	// Version increments on every committed write and guards conditional updates.
	Version int64 `json:"version"`

	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Participant returns the membership record of playerID, if any.
func (l *Lobby) Participant(playerID uuid.UUID) (*Participant, bool) {
	for i := range l.Participants {
		if l.Participants[i].PlayerID == playerID {
			return &l.Participants[i], true
		}
	}
	return nil, false
}

// HasParticipant reports whether playerID is enrolled in the lobby.
func (l *Lobby) HasParticipant(playerID uuid.UUID) bool {
	_, ok := l.Participant(playerID)
	return ok
}

// PlayerIDs returns the participant ids in join order.
func (l *Lobby) PlayerIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(l.Participants))
	for _, p := range l.Participants {
		ids = append(ids, p.PlayerID)
	}
	return ids
}

// OpenSlots is the number of players that can still be enrolled.
func (l *Lobby) OpenSlots() int {
	return l.MaxPlayers - len(l.Participants)
}

// Criteria projects the matchable attributes of the lobby.
func (l *Lobby) Criteria() Criteria {
	return Criteria{
		GameVersion:    l.GameVersion,
		MapSize:        l.Settings.MapSize,
		MapPreset:      l.Settings.MapPreset,
		GameMode:       l.Settings.GameMode,
		ScoreLimit:     l.Settings.ScoreLimit,
		TimeLimit:      l.Settings.TimeLimit,
		Platform:       l.Platform,
		AllowCrossPlay: l.AllowCrossPlay,
	}
}

// Clone returns a deep copy, so stores can hand out lobbies without sharing slices.
func (l *Lobby) Clone() *Lobby {
	if l == nil {
		return nil
	}
	c := *l
	c.Settings.DisabledTribes = slices.Clone(l.Settings.DisabledTribes)
	c.Settings.Bots = slices.Clone(l.Settings.Bots)
	c.Participants = make([]Participant, len(l.Participants))
	for i, p := range l.Participants {
		if p.SelectedTribe != nil {
			t := *p.SelectedTribe
			p.SelectedTribe = &t
		}
		if p.SelectedTribeSkin != nil {
			s := *p.SelectedTribeSkin
			p.SelectedTribeSkin = &s
		}
		c.Participants[i] = p
	}
	return &c
}
