// internal/models/filter.go
package models

// Filter holds the hard constraints a player requires of a lobby. GameVersion, TimeLimit
// and the platform rule always apply; a nil optional dimension accepts any value.
type Filter struct {
	GameVersion    string
	TimeLimit      int
	Platform       Platform
	AllowCrossPlay bool

	MapSize       *MapSize
	MapPreset     *MapPreset
	GameMode      *GameMode
	ScoreLimit    *int
	OpponentCount *int
}

// Matches reports whether a lobby with criteria c and capacity maxPlayers satisfies f.
// Platforms must be equal unless both sides allow cross-play.
func (f Filter) Matches(c Criteria, maxPlayers int) bool {
	if c.GameVersion != f.GameVersion || c.TimeLimit != f.TimeLimit {
		return false
	}
	if c.Platform != f.Platform && !(c.AllowCrossPlay && f.AllowCrossPlay) {
		return false
	}
	if f.MapSize != nil && c.MapSize != *f.MapSize {
		return false
	}
	if f.MapPreset != nil && c.MapPreset != *f.MapPreset {
		return false
	}
	if f.GameMode != nil && c.GameMode != *f.GameMode {
		return false
	}
	if f.ScoreLimit != nil && c.ScoreLimit != *f.ScoreLimit {
		return false
	}
	if f.OpponentCount != nil && maxPlayers != *f.OpponentCount+1 {
		return false
	}
	return true
}

// MatchesTicket is Matches applied to a ticket.
func (f Filter) MatchesTicket(t *MatchmakingTicket) bool {
	return f.Matches(t.Criteria, t.MaxPlayers)
}
