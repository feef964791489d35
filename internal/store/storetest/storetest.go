// Package storetest holds the behavioural contract every store.Store backend must meet.
// Backend packages call Run from their own tests with a constructor for a fresh store.
package storetest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/matchmaking"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"QueryCandidatesFilters", testQueryCandidatesFilters},
		{"AppendPlayerVersionGuard", testAppendPlayerVersionGuard},
		{"AppendPlayerFillsAndDropsTicket", testAppendFills},
		{"AppendPlayerAlreadyMember", testAppendAlreadyMember},
		{"ConcurrentAppendRespectsCapacity", testConcurrentAppend},
		{"CreateQueuedLobbyGuard", testCreateGuard},
		{"CreateQueuedLobbyOwnerAlreadyQueued", testCreateOwnerQueued},
		{"UpdateLobbyConditional", testUpdateConditional},
		{"DeleteLobbyClosesAndDropsTicket", testDelete},
		{"DeleteLobbyRacingAppend", testDeleteRacingAppend},
		{"JoinPrefersFullerTicket", testJoinPrefersFuller},
		{"ListByParticipant", testListByParticipant},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func factory() *lobby.Factory {
	f := lobby.NewFactory(lobby.DefaultMinOpponents, lobby.DefaultMaxOpponents)
	return f
}

func queued(opponents int) (*models.Lobby, *models.MatchmakingTicket) {
	return factory().NewQueued(lobby.Request{
		OwnerID:       uuid.New(),
		GameVersion:   "104",
		Platform:      models.PlatformSteam,
		TimeLimit:     900,
		OpponentCount: opponents,
	})
}

func anyFilter() models.Filter {
	return models.Filter{GameVersion: "104", TimeLimit: 900, Platform: models.PlatformSteam}
}

func invited(id uuid.UUID) models.Participant {
	return models.Participant{PlayerID: id, InvitationState: models.InvitationInvited}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	l, tk := queued(3)
	require.NoError(t, s.CreateQueuedLobby(ctx, l, tk, anyFilter()))

	got, err := s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)
	assert.Equal(t, models.LobbyMatchmaking, got.State)
	assert.Equal(t, l.MaxPlayers, got.MaxPlayers)
	assert.Equal(t, l.PlayerIDs(), got.PlayerIDs())

	_, err = s.GetLobby(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	direct := factory().NewDirect(lobby.Request{OwnerID: uuid.New(), GameVersion: "104", OpponentCount: 2})
	require.NoError(t, s.CreateLobby(ctx, direct))
	got, err = s.GetLobby(ctx, direct.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyOpen, got.State)
}

func testQueryCandidatesFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	l, tk := queued(3)
	require.NoError(t, s.CreateQueuedLobby(ctx, l, tk, anyFilter()))

	got, err := s.QueryCandidates(ctx, anyFilter(), uuid.New())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tk.ID, got[0].ID)

	got, err = s.QueryCandidates(ctx, anyFilter(), l.OwnerID)
	require.NoError(t, err)
	assert.Empty(t, got, "owner must not match own lobby")

	other := anyFilter()
	other.TimeLimit = 600
	got, err = s.QueryCandidates(ctx, other, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, got)

	mode := models.GameModeMight
	narrow := anyFilter()
	narrow.GameMode = &mode
	got, err = s.QueryCandidates(ctx, narrow, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, got)

	cross := anyFilter()
	cross.Platform = models.PlatformIOS
	cross.AllowCrossPlay = true
	got, err = s.QueryCandidates(ctx, cross, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, got, "ticket does not allow cross-play")
}

func testAppendPlayerVersionGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	l, tk := queued(3)
	require.NoError(t, s.CreateQueuedLobby(ctx, l, tk, anyFilter()))

	_, err := s.AppendPlayer(ctx, tk.ID, invited(uuid.New()), tk.Version+1)
	assert.ErrorIs(t, err, store.ErrConflict)

	joined, err := s.AppendPlayer(ctx, tk.ID, invited(uuid.New()), tk.Version)
	require.NoError(t, err)
	assert.Len(t, joined.Participants, 2)
	assert.Greater(t, joined.Version, l.Version)

	_, err = s.AppendPlayer(ctx, tk.ID, invited(uuid.New()), tk.Version)
	assert.ErrorIs(t, err, store.ErrConflict, "stale version must lose")

	cands, err := s.QueryCandidates(ctx, anyFilter(), uuid.New())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Len(t, cands[0].PlayerIDs, 2)
	assert.Equal(t, tk.Version+1, cands[0].Version)
}

func testAppendFills(t *testing.T, s store.Store) {
	ctx := context.Background()
	l, tk := queued(1)
	require.NoError(t, s.CreateQueuedLobby(ctx, l, tk, anyFilter()))

	joined, err := s.AppendPlayer(ctx, tk.ID, invited(uuid.New()), tk.Version)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyFull, joined.State)

	cands, err := s.QueryCandidates(ctx, anyFilter(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, cands, "full lobby must not be offered")

	_, err = s.AppendPlayer(ctx, tk.ID, invited(uuid.New()), tk.Version+1)
	assert.ErrorIs(t, err, store.ErrConflict)

	stored, err := s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyFull, stored.State)
	assert.Len(t, stored.Participants, 2)
}

func testAppendAlreadyMember(t *testing.T, s store.Store) {
	ctx := context.Background()
	l, tk := queued(3)
	require.NoError(t, s.CreateQueuedLobby(ctx, l, tk, anyFilter()))

	p := uuid.New()
	_, err := s.AppendPlayer(ctx, tk.ID, invited(p), tk.Version)
	require.NoError(t, err)
	_, err = s.AppendPlayer(ctx, tk.ID, invited(p), tk.Version+1)
	assert.ErrorIs(t, err, store.ErrAlreadyMember)

	stored, err := s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Participants, 2)
}

func testConcurrentAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	l, tk := queued(3)
	require.NoError(t, s.CreateQueuedLobby(ctx, l, tk, anyFilter()))

	const callers = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			player := uuid.New()
			for attempt := 0; attempt < callers; attempt++ {
				cands, err := s.QueryCandidates(ctx, anyFilter(), player)
				if err != nil || len(cands) == 0 {
					return
				}
				_, err = s.AppendPlayer(ctx, cands[0].ID, invited(player), cands[0].Version)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, wins, "exactly one success per open slot")
	stored, err := s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Participants, 4)
	assert.Equal(t, models.LobbyFull, stored.State)
}

func testCreateGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	l1, t1 := queued(3)
	require.NoError(t, s.CreateQueuedLobby(ctx, l1, t1, anyFilter()))

	l2, t2 := queued(3)
	err := s.CreateQueuedLobby(ctx, l2, t2, anyFilter())
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = s.GetLobby(ctx, l2.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "rejected create must not leave partial state")

	other := anyFilter()
	mode := models.GameModeDomination
	other.GameMode = &mode
	assert.NoError(t, s.CreateQueuedLobby(ctx, l2, t2, other))
}

func testCreateOwnerQueued(t *testing.T, s store.Store) {
	ctx := context.Background()
	l1, t1 := queued(3)
	require.NoError(t, s.CreateQueuedLobby(ctx, l1, t1, anyFilter()))

	player := uuid.New()
	_, err := s.AppendPlayer(ctx, t1.ID, invited(player), t1.Version)
	require.NoError(t, err)

	l2, t2 := factory().NewQueued(lobby.Request{
		OwnerID:       player,
		GameVersion:   "104",
		Platform:      models.PlatformSteam,
		TimeLimit:     900,
		OpponentCount: 3,
	})
	narrow := anyFilter()
	mode := models.GameModeGlory
	narrow.GameMode = &mode
	assert.NoError(t, s.CreateQueuedLobby(ctx, l2, t2, narrow), "queued lobby does not match the narrower guard")

	l3, t3 := factory().NewQueued(lobby.Request{
		OwnerID:       player,
		GameVersion:   "104",
		Platform:      models.PlatformSteam,
		TimeLimit:     900,
		OpponentCount: 3,
	})
	err = s.CreateQueuedLobby(ctx, l3, t3, anyFilter())
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testUpdateConditional(t *testing.T, s store.Store) {
	ctx := context.Background()
	l := factory().NewDirect(lobby.Request{OwnerID: uuid.New(), GameVersion: "104", OpponentCount: 2})
	require.NoError(t, s.CreateLobby(ctx, l))

	stale := l.Clone()
	_, err := lobby.Enroll(l, invited(uuid.New()), time.Now())
	require.NoError(t, err)
	require.NoError(t, s.UpdateLobby(ctx, l, store.ReasonInvited))

	_, err = lobby.Enroll(stale, invited(uuid.New()), time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, s.UpdateLobby(ctx, stale, store.ReasonInvited), store.ErrConflict)

	got, err := s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, 2)
	assert.Equal(t, l.Version, got.Version)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	l, tk := queued(3)
	require.NoError(t, s.CreateQueuedLobby(ctx, l, tk, anyFilter()))

	require.NoError(t, s.DeleteLobby(ctx, l.ID))
	got, err := s.GetLobby(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyClosed, got.State)

	cands, err := s.QueryCandidates(ctx, anyFilter(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.ErrorIs(t, s.DeleteTicket(ctx, tk.ID), store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteLobby(ctx, uuid.New()), store.ErrNotFound)
}

func testDeleteRacingAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	for round := 0; round < 10; round++ {
		l, tk := queued(3)
		require.NoError(t, s.CreateQueuedLobby(ctx, l, tk, anyFilter()))

		var (
			wg        sync.WaitGroup
			deleteErr error
			appendErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 10; attempt++ {
				deleteErr = s.DeleteLobby(ctx, l.ID)
				if !errors.Is(deleteErr, store.ErrConflict) {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			_, appendErr = s.AppendPlayer(ctx, tk.ID, invited(uuid.New()), tk.Version)
		}()
		wg.Wait()

		require.NoError(t, deleteErr)
		if appendErr != nil {
			require.ErrorIs(t, appendErr, store.ErrConflict, "a join losing to a close must be retryable")
		}
		got, err := s.GetLobby(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LobbyClosed, got.State)
		cands, err := s.QueryCandidates(ctx, anyFilter(), uuid.New())
		require.NoError(t, err)
		assert.Empty(t, cands)
	}
}

type everyone struct{}

func (everyone) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	return &models.User{ID: id, DisplayName: "player", Rating: 1000}, nil
}

func testJoinPrefersFuller(t *testing.T, s store.Store) {
	ctx := context.Background()
	older, olderTicket := queued(3)
	older.CreatedAt = time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	olderTicket.CreatedAt = older.CreatedAt
	require.NoError(t, s.CreateQueuedLobby(ctx, older, olderTicket, anyFilter()))

	fuller, fullerTicket := queued(2)
	onlyThree := anyFilter()
	two := 2
	onlyThree.OpponentCount = &two
	require.NoError(t, s.CreateQueuedLobby(ctx, fuller, fullerTicket, onlyThree))
	_, err := s.AppendPlayer(ctx, fullerTicket.ID, invited(uuid.New()), fullerTicket.Version)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := matchmaking.NewService(s, everyone{}, nil, factory(), matchmaking.WithLogger(logger))
	out, err := svc.Join(ctx, matchmaking.JoinRequest{PlayerID: uuid.New(), Filter: anyFilter()})
	require.NoError(t, err)
	assert.Equal(t, matchmaking.OutcomeJoined, out.Kind)
	assert.Equal(t, fuller.ID, out.Lobby.ID, "the more-filled ticket wins over the older one")
}

func testListByParticipant(t *testing.T, s store.Store) {
	ctx := context.Background()
	l1, t1 := queued(3)
	require.NoError(t, s.CreateQueuedLobby(ctx, l1, t1, anyFilter()))

	player := uuid.New()
	_, err := s.AppendPlayer(ctx, t1.ID, invited(player), t1.Version)
	require.NoError(t, err)

	direct := factory().NewDirect(lobby.Request{OwnerID: player, GameVersion: "104", OpponentCount: 2})
	require.NoError(t, s.CreateLobby(ctx, direct))

	got, err := s.ListLobbiesByParticipant(ctx, player)
	require.NoError(t, err)
	ids := []uuid.UUID{}
	for _, l := range got {
		ids = append(ids, l.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{l1.ID, direct.ID}, ids)

	none, err := s.ListLobbiesByParticipant(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}
