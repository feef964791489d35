// internal/models/enums.go
package models

import "fmt"

// MapPreset selects the terrain generator for a match. MapPresetNone is the wire value for
// "no preference" and is never stored on a lobby.
type MapPreset int

const (
	MapPresetNone MapPreset = iota
	MapPresetDryland
	MapPresetLakes
	MapPresetContinents
	MapPresetPangea
	MapPresetArchipelago
	MapPresetWaterWorld
)

// MapPresets lists every concrete preset, excluding MapPresetNone.
func MapPresets() []MapPreset {
	return []MapPreset{
		MapPresetDryland,
		MapPresetLakes,
		MapPresetContinents,
		MapPresetPangea,
		MapPresetArchipelago,
		MapPresetWaterWorld,
	}
}

func (p MapPreset) String() string {
	switch p {
	case MapPresetNone:
		return "none"
	case MapPresetDryland:
		return "dryland"
	case MapPresetLakes:
		return "lakes"
	case MapPresetContinents:
		return "continents"
	case MapPresetPangea:
		return "pangea"
	case MapPresetArchipelago:
		return "archipelago"
	case MapPresetWaterWorld:
		return "water_world"
	}
	return fmt.Sprintf("preset(%d)", int(p))
}

// MapSize is the number of tiles on the map. Zero means unspecified.
type MapSize int

const (
	MapSizeTiny    MapSize = 121
	MapSizeSmall   MapSize = 196
	MapSizeNormal  MapSize = 256
	MapSizeLarge   MapSize = 324
	MapSizeHuge    MapSize = 400
	MapSizeMassive MapSize = 900
)

// GameMode is the ruleset of a match. GameModeNone means "no preference" on requests.
type GameMode int

const (
	GameModeNone GameMode = iota
	GameModePerfection
	GameModeDomination
	GameModeGlory
	GameModeMight
	GameModeCustom
)

func (m GameMode) String() string {
	switch m {
	case GameModeNone:
		return "none"
	case GameModePerfection:
		return "perfection"
	case GameModeDomination:
		return "domination"
	case GameModeGlory:
		return "glory"
	case GameModeMight:
		return "might"
	case GameModeCustom:
		return "custom"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Tribe identifies a playable tribe. Zero is "not picked".
type Tribe int

// BotDifficulty is the difficulty of a bot occupying a slot.
type BotDifficulty int

const (
	BotEasy BotDifficulty = iota + 1
	BotNormal
	BotHard
	BotCrazy
)

// Platform is the client platform a player queues from.
type Platform string

const (
	PlatformSteam   Platform = "steam"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// LobbyState is the lifecycle state of a lobby.
type LobbyState string

const (
	LobbyOpen        LobbyState = "open"
	LobbyMatchmaking LobbyState = "matchmaking"
	LobbyFull        LobbyState = "full"
	LobbyStarted     LobbyState = "started"
	LobbyClosed      LobbyState = "closed"
)

// InvitationState is a participant's standing in a lobby.
type InvitationState string

const (
	InvitationInvited  InvitationState = "invited"
	InvitationAccepted InvitationState = "accepted"
	InvitationDeclined InvitationState = "declined"
	InvitationResigned InvitationState = "resigned"
	InvitationDone     InvitationState = "done"
)
