package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestFilterMatches(t *testing.T) {
	base := Criteria{
		GameVersion: "1.0",
		TimeLimit:   30,
		Platform:    PlatformSteam,
		MapSize:     MapSizeNormal,
		GameMode:    GameModeGlory,
		ScoreLimit:  5000,
	}
	open := Filter{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformSteam}

	cases := []struct {
		name   string
		filter Filter
		c      Criteria
		max    int
		want   bool
	}{
		{"unset dimensions accept anything", open, base, 4, true},
		{"version must be equal", Filter{GameVersion: "2.0", TimeLimit: 30, Platform: PlatformSteam}, base, 4, false},
		{"time limit must be equal", Filter{GameVersion: "1.0", TimeLimit: 60, Platform: PlatformSteam}, base, 4, false},
		{"map size set and equal", Filter{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformSteam, MapSize: ptr(MapSizeNormal)}, base, 4, true},
		{"map size set and different", Filter{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformSteam, MapSize: ptr(MapSizeHuge)}, base, 4, false},
		{"game mode different", Filter{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformSteam, GameMode: ptr(GameModeMight)}, base, 4, false},
		{"score limit different", Filter{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformSteam, ScoreLimit: ptr(3000)}, base, 4, false},
		{"opponent count is capacity minus one", Filter{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformSteam, OpponentCount: ptr(3)}, base, 4, true},
		{"opponent count mismatch", Filter{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformSteam, OpponentCount: ptr(2)}, base, 4, false},
		{"platform mismatch without cross-play", Filter{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformIOS}, base, 4, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(tc.c, tc.max))
		})
	}
}

func TestFilterCrossPlayNeedsBothSides(t *testing.T) {
	c := Criteria{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformSteam, AllowCrossPlay: true}
	f := Filter{GameVersion: "1.0", TimeLimit: 30, Platform: PlatformAndroid, AllowCrossPlay: true}
	assert.True(t, f.Matches(c, 2))

	f.AllowCrossPlay = false
	assert.False(t, f.Matches(c, 2))

	c.AllowCrossPlay = false
	f.AllowCrossPlay = true
	assert.False(t, f.Matches(c, 2))
}

func TestTicketMembership(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	tk := &MatchmakingTicket{MaxPlayers: 2, PlayerIDs: []uuid.UUID{a}}
	assert.True(t, tk.HasPlayer(a))
	assert.False(t, tk.HasPlayer(b))
	assert.False(t, tk.IsFull())
	assert.True(t, Filter{}.MatchesTicket(&MatchmakingTicket{}))

	clone := tk.Clone()
	clone.PlayerIDs = append(clone.PlayerIDs, b)
	assert.True(t, clone.IsFull())
	assert.False(t, tk.IsFull())
}
