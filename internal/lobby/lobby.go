// internal/lobby/lobby.go
package lobby

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

// Default opponent range used when a queue request leaves the count open.
const (
	DefaultMinOpponents = 2
	DefaultMaxOpponents = 8
)

// Rand is the source of randomness for lobby defaults.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Request describes the lobby a player asks for. Nil optional fields are filled with
// defaults; an OpponentCount of zero means "pick one".
type Request struct {
	OwnerID        uuid.UUID
	GameVersion    string
	Platform       models.Platform
	AllowCrossPlay bool

	MapPreset     *models.MapPreset
	MapSize       *models.MapSize
	GameMode      *models.GameMode
	ScoreLimit    *int
	TimeLimit     int
	OpponentCount int

	DisabledTribes []models.Tribe
	Bots           []models.BotDifficulty

	SelectedTribe     *models.Tribe
	SelectedTribeSkin *int
}

// Factory builds new lobby aggregates with deterministic default-filling rules.
type Factory struct {
	MinOpponents int
	MaxOpponents int
	Rand         Rand
	Now          func() time.Time
}

// NewFactory returns a factory drawing opponent counts from [minOpp, maxOpp].
func NewFactory(minOpp, maxOpp int) *Factory {
	if minOpp < 1 {
		minOpp = DefaultMinOpponents
	}
	if maxOpp < minOpp {
		maxOpp = minOpp
	}
	return &Factory{
		MinOpponents: minOpp,
		MaxOpponents: maxOpp,
		Rand:         globalRand{},
		Now:          time.Now,
	}
}

// NewQueued creates a Matchmaking lobby and its ticket. The owner is enrolled as Invited,
// since others may still be added before the owner confirms.
func (f *Factory) NewQueued(req Request) (*models.Lobby, *models.MatchmakingTicket) {
	l := f.build(req, models.LobbyMatchmaking, models.InvitationInvited)
	t := &models.MatchmakingTicket{
		ID:         uuid.New(),
		LobbyID:    l.ID,
		Criteria:   l.Criteria(),
		MaxPlayers: l.MaxPlayers,
		PlayerIDs:  l.PlayerIDs(),
		Version:    1,
		CreatedAt:  l.CreatedAt,
	}
	return l, t
}

// NewDirect creates an Open lobby for explicit invites. It never gets a ticket.
func (f *Factory) NewDirect(req Request) *models.Lobby {
	return f.build(req, models.LobbyOpen, models.InvitationAccepted)
}

func (f *Factory) build(req Request, state models.LobbyState, ownerState models.InvitationState) *models.Lobby {
	now := f.Now().UTC()
	opponents := f.OpponentCount(req.OpponentCount)

	settings := models.Settings{
		MapPreset:      f.mapPreset(req.MapPreset),
		MapSize:        MapSizeFor(opponents),
		GameMode:       models.GameModePerfection,
		TimeLimit:      req.TimeLimit,
		DisabledTribes: req.DisabledTribes,
		Bots:           req.Bots,
	}
	if req.MapSize != nil && *req.MapSize > 0 {
		settings.MapSize = *req.MapSize
	}
	if req.GameMode != nil && *req.GameMode != models.GameModeNone {
		settings.GameMode = *req.GameMode
	}
	if req.ScoreLimit != nil {
		settings.ScoreLimit = *req.ScoreLimit
	}

	id := uuid.New()
	return &models.Lobby{
		ID:             id,
		OwnerID:        req.OwnerID,
		Name:           Name(id),
		GameVersion:    req.GameVersion,
		Platform:       req.Platform,
		AllowCrossPlay: req.AllowCrossPlay,
		Settings:       settings,
		MaxPlayers:     opponents + 1,
		State:          state,
		Participants: []models.Participant{{
			PlayerID:          req.OwnerID,
			InvitationState:   ownerState,
			SelectedTribe:     req.SelectedTribe,
			SelectedTribeSkin: req.SelectedTribeSkin,
			JoinedAt:          now,
		}},
		Version:    1,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// OpponentCount returns explicit when positive, else a uniform draw from the factory range.
func (f *Factory) OpponentCount(explicit int) int {
	if explicit > 0 {
		return explicit
	}
	span := f.MaxOpponents - f.MinOpponents + 1
	return f.MinOpponents + f.Rand.IntN(span)
}

func (f *Factory) mapPreset(requested *models.MapPreset) models.MapPreset {
	if requested != nil && *requested != models.MapPresetNone {
		return *requested
	}
	presets := models.MapPresets()
	return presets[f.Rand.IntN(len(presets))]
}

// MapSizeFor maps an opponent count to the default map size.
func MapSizeFor(opponents int) models.MapSize {
	switch {
	case opponents <= 1:
		return models.MapSizeTiny
	case opponents == 2:
		return models.MapSizeSmall
	case opponents == 3:
		return models.MapSizeNormal
	default:
		return models.MapSizeLarge
	}
}
