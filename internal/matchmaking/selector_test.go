package matchmaking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func ticket(players int, age time.Duration) *models.MatchmakingTicket {
	ids := make([]uuid.UUID, players)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return &models.MatchmakingTicket{
		ID:         uuid.New(),
		LobbyID:    uuid.New(),
		Criteria:   models.Criteria{GameVersion: "104", TimeLimit: 900, Platform: models.PlatformSteam},
		MaxPlayers: 4,
		PlayerIDs:  ids,
		Version:    int64(players),
		CreatedAt:  epoch.Add(-age),
	}
}

func TestSelect(t *testing.T) {
	me := uuid.New()

	young := ticket(1, time.Minute)
	old := ticket(1, time.Hour)
	fuller := ticket(2, time.Second)
	full := ticket(4, 2*time.Hour)
	mine := ticket(2, 3*time.Hour)
	mine.PlayerIDs[1] = me
	otherVersion := ticket(3, 4*time.Hour)
	otherVersion.Criteria.GameVersion = "105"

	low, high := ticket(1, time.Minute), ticket(1, time.Minute)
	if string(low.ID[:]) > string(high.ID[:]) {
		low, high = high, low
	}

	cases := []struct {
		name       string
		candidates []*models.MatchmakingTicket
		want       *models.MatchmakingTicket
	}{
		{"none", nil, nil},
		{"equal fill picks oldest", []*models.MatchmakingTicket{young, old}, old},
		{"more players beats age", []*models.MatchmakingTicket{young, old, fuller}, fuller},
		{"full ticket skipped", []*models.MatchmakingTicket{young, full}, young},
		{"own ticket skipped", []*models.MatchmakingTicket{mine, young}, young},
		{"non-matching ticket skipped", []*models.MatchmakingTicket{otherVersion, old}, old},
		{"only skipped tickets", []*models.MatchmakingTicket{full, mine, otherVersion}, nil},
		{"equal age picks lowest id", []*models.MatchmakingTicket{high, low}, low},
		{"order does not matter", []*models.MatchmakingTicket{low, high}, low},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Same(t, tc.want, Select(tc.candidates, baseFilter(), me))
		})
	}
}

// fixedIndex serves a canned candidate list.
type fixedIndex struct {
	store.TicketIndex
	tickets []*models.MatchmakingTicket
}

func (f fixedIndex) QueryCandidates(context.Context, models.Filter, uuid.UUID) ([]*models.MatchmakingTicket, error) {
	return f.tickets, nil
}

func TestSelectorFind(t *testing.T) {
	old, fuller := ticket(1, time.Hour), ticket(3, time.Second)
	got, err := NewSelector(fixedIndex{tickets: []*models.MatchmakingTicket{old, fuller}}).
		Find(context.Background(), baseFilter(), uuid.New())
	require.NoError(t, err)
	assert.Same(t, fuller, got)
}
