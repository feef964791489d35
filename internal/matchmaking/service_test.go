package matchmaking

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
	"github.com/jason-s-yu/matchmaker/internal/store/memstore"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	player  uuid.UUID
	event   string
	payload any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, playerID uuid.UUID, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEvent{player: playerID, event: event, payload: payload})
	return n.err
}

func (n *recordingNotifier) eventsFor(playerID uuid.UUID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.sent {
		if e.player == playerID {
			out = append(out, e.event)
		}
	}
	return out
}

type failingUsers struct{ err error }

func (f failingUsers) GetUserByID(context.Context, uuid.UUID) (*models.User, error) {
	return nil, f.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memstore.Store, *recordingNotifier) {
	t.Helper()
	st, err := memstore.New()
	require.NoError(t, err)
	n := &recordingNotifier{}
	f := lobby.NewFactory(lobby.DefaultMinOpponents, lobby.DefaultMaxOpponents)
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewService(st, st, n, f, opts...), st, n
}

func addPlayers(t *testing.T, st *memstore.Store, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, st.PutUser(&models.User{ID: ids[i], DisplayName: "player", Rating: 1000 + i}))
	}
	return ids
}

func baseFilter() models.Filter {
	return models.Filter{GameVersion: "104", TimeLimit: 900, Platform: models.PlatformSteam}
}

func withOpponents(f models.Filter, n int) models.Filter {
	f.OpponentCount = &n
	return f
}

func TestJoinScenarioFillsThenCreates(t *testing.T) {
	svc, st, n := newTestService(t)
	ctx := context.Background()
	players := addPlayers(t, st, 5)

	first, err := svc.Join(ctx, JoinRequest{PlayerID: players[0], Filter: withOpponents(baseFilter(), 3)})
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Kind)
	assert.Equal(t, 4, first.Lobby.MaxPlayers)
	assert.Equal(t, models.LobbyMatchmaking, first.Lobby.State)
	assert.True(t, first.Response.IsWaitingForOpponents)
	assert.Equal(t, 3, first.Response.Summary.OpponentCount)
	assert.NotEqual(t, models.MapPresetNone, first.Response.Summary.MapPreset)
	assert.Equal(t, models.MapSizeNormal, first.Response.Summary.MapSize)

	for i := 1; i <= 3; i++ {
		out, err := svc.Join(ctx, JoinRequest{PlayerID: players[i], Filter: baseFilter()})
		require.NoError(t, err)
		require.Equal(t, OutcomeJoined, out.Kind, "join %d", i)
		assert.Equal(t, first.Lobby.ID, out.Lobby.ID)
		assert.Len(t, out.Response.Summary.Participants, i+1)
		assert.Equal(t, i < 3, out.Response.IsWaitingForOpponents)
	}

	full, err := st.GetLobby(ctx, first.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyFull, full.State)
	cands, err := st.QueryCandidates(ctx, baseFilter(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, cands, "ticket must be removed once full")

	fifth, err := svc.Join(ctx, JoinRequest{PlayerID: players[4], Filter: baseFilter()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, fifth.Kind)
	assert.NotEqual(t, first.Lobby.ID, fifth.Lobby.ID)

	assert.Contains(t, n.eventsFor(players[3]), EventLobbyInvitation)
	assert.Contains(t, n.eventsFor(players[0]), EventLobbyUpdated)
}

func TestJoinConvergesConcurrentCallers(t *testing.T) {
	const (
		callers    = 10
		maxPlayers = 3
	)
	svc, st, _ := newTestService(t, WithMaxAttempts(callers+1))
	players := addPlayers(t, st, callers)

	var (
		mu       sync.Mutex
		outcomes []Outcome
		wg       conc.WaitGroup
	)
	for _, id := range players {
		wg.Go(func() {
			out, err := svc.Join(context.Background(), JoinRequest{
				PlayerID: id,
				Filter:   withOpponents(baseFilter(), maxPlayers-1),
			})
			assert.NoError(t, err)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		})
	}
	wg.Wait()

	lobbies := map[uuid.UUID]bool{}
	for _, out := range outcomes {
		require.NotEqual(t, OutcomeFailed, out.Kind)
		lobbies[out.Lobby.ID] = true
	}
	assert.Len(t, lobbies, (callers+maxPlayers-1)/maxPlayers)

	seen := map[uuid.UUID]int{}
	for id := range lobbies {
		l, err := st.GetLobby(context.Background(), id)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(l.Participants), l.MaxPlayers)
		for _, p := range l.Participants {
			seen[p.PlayerID]++
		}
	}
	for _, id := range players {
		assert.Equal(t, 1, seen[id], "player %s enrolled once", id)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	players := addPlayers(t, st, 1)
	req := JoinRequest{PlayerID: players[0], Filter: withOpponents(baseFilter(), 3)}

	first, err := svc.Join(ctx, req)
	require.NoError(t, err)
	again, err := svc.Join(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeJoined, again.Kind)
	assert.Equal(t, first.Lobby.ID, again.Lobby.ID)
	assert.Len(t, again.Lobby.Participants, 1)
	assert.Equal(t, first.Lobby.MaxPlayers, again.Lobby.MaxPlayers)
}

func TestJoinSamePlayerConcurrently(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	players := addPlayers(t, st, 2)

	host, err := svc.Join(ctx, JoinRequest{PlayerID: players[0], Filter: withOpponents(baseFilter(), 5)})
	require.NoError(t, err)

	var wg conc.WaitGroup
	for range 4 {
		wg.Go(func() {
			_, err := svc.Join(ctx, JoinRequest{PlayerID: players[1], Filter: baseFilter()})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	l, err := st.GetLobby(ctx, host.Lobby.ID)
	require.NoError(t, err)
	count := 0
	for _, p := range l.Participants {
		if p.PlayerID == players[1] {
			count++
		}
	}
	assert.Equal(t, 1, count)

	mine, err := st.ListLobbiesByParticipant(ctx, players[1])
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestJoinUnknownPlayer(t *testing.T) {
	svc, st, n := newTestService(t)
	ctx := context.Background()

	out, err := svc.Join(ctx, JoinRequest{PlayerID: uuid.New(), Filter: baseFilter()})
	assert.ErrorIs(t, err, ErrPlayerNotFound)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, FailureNotFound, out.Failure)

	cands, err := st.QueryCandidates(ctx, baseFilter(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, cands, "no lobby may be created for an unknown player")
	assert.Empty(t, n.sent)
}

func TestJoinRejectsInvalidRequest(t *testing.T) {
	svc, st, _ := newTestService(t)
	players := addPlayers(t, st, 1)

	out, err := svc.Join(context.Background(), JoinRequest{PlayerID: players[0]})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, FailureInvalid, out.Failure)

	out, err = svc.Join(context.Background(), JoinRequest{PlayerID: players[0], Filter: withOpponents(baseFilter(), 0)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, FailureInvalid, out.Failure)
}

func TestJoinIdentityFailureAborts(t *testing.T) {
	st, err := memstore.New()
	require.NoError(t, err)
	boom := errors.New("identity down")
	svc := NewService(st, failingUsers{err: boom}, nil, lobby.NewFactory(2, 8), WithLogger(quietLogger()))

	out, err := svc.Join(context.Background(), JoinRequest{PlayerID: uuid.New(), Filter: baseFilter()})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, FailureInternal, out.Failure)
	assert.False(t, IsTransient(err))
}

// contendedStore loses every conditional write.
type contendedStore struct {
	*memstore.Store
	attempts int
}

func (c *contendedStore) QueryCandidates(context.Context, models.Filter, uuid.UUID) ([]*models.MatchmakingTicket, error) {
	c.attempts++
	return []*models.MatchmakingTicket{{
		ID: uuid.New(), LobbyID: uuid.New(), MaxPlayers: 4, PlayerIDs: []uuid.UUID{uuid.New()},
		Criteria: models.Criteria{GameVersion: "104", TimeLimit: 900, Platform: models.PlatformSteam},
	}}, nil
}

func (c *contendedStore) AppendPlayer(context.Context, uuid.UUID, models.Participant, int64) (*models.Lobby, error) {
	return nil, store.ErrConflict
}

func TestJoinRetriesExhausted(t *testing.T) {
	mem, err := memstore.New()
	require.NoError(t, err)
	players := addPlayers(t, mem, 1)
	st := &contendedStore{Store: mem}
	svc := NewService(st, mem, nil, lobby.NewFactory(2, 8), WithLogger(quietLogger()), WithMaxAttempts(3))

	out, err := svc.Join(context.Background(), JoinRequest{PlayerID: players[0], Filter: baseFilter()})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.True(t, IsTransient(err))
	assert.Equal(t, FailureTransient, out.Failure)
	assert.Equal(t, 3, st.attempts)
}

func TestJoinNotificationFailureIsNotFatal(t *testing.T) {
	svc, st, n := newTestService(t)
	n.err = errors.New("socket closed")
	players := addPlayers(t, st, 1)

	out, err := svc.Join(context.Background(), JoinRequest{PlayerID: players[0], Filter: baseFilter()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out.Kind)
}

func TestJoinSurvivesCallerCancellationAfterCommit(t *testing.T) {
	svc, st, n := newTestService(t)
	players := addPlayers(t, st, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := svc.finish(ctx, OutcomeCreated, &models.Lobby{
		ID: uuid.New(), MaxPlayers: 2, State: models.LobbyMatchmaking,
		Participants: []models.Participant{{PlayerID: players[0]}},
	}, JoinRequest{PlayerID: players[0]})

	assert.Equal(t, "player", out.Response.Summary.Participants[0].DisplayName)
	assert.Equal(t, []string{EventLobbyInvitation}, n.eventsFor(players[0]))
}

func TestJoinWithPickedTribe(t *testing.T) {
	svc, st, _ := newTestService(t)
	players := addPlayers(t, st, 1)
	tribe := models.Tribe(3)

	out, err := svc.Join(context.Background(), JoinRequest{PlayerID: players[0], Filter: baseFilter(), SelectedTribe: &tribe})
	require.NoError(t, err)
	assert.True(t, out.Response.Summary.WithPickedTribe)
	require.NotNil(t, out.Response.Summary.Participants[0].SelectedTribe)
	assert.Equal(t, tribe, *out.Response.Summary.Participants[0].SelectedTribe)
}

func TestLobbyOperations(t *testing.T) {
	svc, st, n := newTestService(t)
	ctx := context.Background()
	players := addPlayers(t, st, 3)
	owner, guest, stranger := players[0], players[1], players[2]

	created, err := svc.CreateLobby(ctx, lobby.Request{OwnerID: owner, GameVersion: "104", OpponentCount: 1, TimeLimit: 600})
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, created.Kind)
	id := created.Lobby.ID
	assert.Equal(t, models.LobbyOpen, created.Lobby.State)

	cands, err := st.QueryCandidates(ctx, models.Filter{GameVersion: "104", TimeLimit: 600}, stranger)
	require.NoError(t, err)
	assert.Empty(t, cands, "open lobbies are never matchmaking targets")

	_, err = svc.Invite(ctx, id, guest, stranger)
	assert.ErrorIs(t, err, ErrForbidden)

	l, err := svc.Invite(ctx, id, owner, guest)
	require.NoError(t, err)
	assert.Len(t, l.Participants, 2)
	assert.Contains(t, n.eventsFor(guest), EventLobbyInvitation)

	_, err = svc.Invite(ctx, id, owner, stranger)
	assert.ErrorIs(t, err, lobby.ErrLobbyFull)

	_, err = svc.RespondToInvitation(ctx, id, stranger, true)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.RespondToInvitation(ctx, id, owner, true)
	assert.ErrorIs(t, err, ErrNoPendingInvitation)

	l, err = svc.RespondToInvitation(ctx, id, guest, true)
	require.NoError(t, err)
	p, ok := l.Participant(guest)
	require.True(t, ok)
	assert.Equal(t, models.InvitationAccepted, p.InvitationState)

	view, err := svc.GetLobby(ctx, id, guest)
	require.NoError(t, err)
	assert.False(t, view.IsWaitingForOpponents)
	_, err = svc.GetLobby(ctx, id, stranger)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.GetLobby(ctx, uuid.New(), owner)
	assert.ErrorIs(t, err, ErrLobbyNotFound)

	_, err = svc.StartLobby(ctx, id, guest)
	assert.ErrorIs(t, err, ErrForbidden)
	l, err = svc.StartLobby(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyStarted, l.State)

	mine, err := svc.ListMyLobbies(ctx, guest)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	require.NoError(t, svc.CloseLobby(ctx, id, owner))
	assert.Contains(t, n.eventsFor(guest), EventLobbyClosed)
	assert.ErrorIs(t, svc.CloseLobby(ctx, id, owner), lobby.ErrInvalidTransition)

	mine, err = svc.ListMyLobbies(ctx, guest)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestCloseQueuedLobbyWithdrawsTicket(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	players := addPlayers(t, st, 2)

	out, err := svc.Join(ctx, JoinRequest{PlayerID: players[0], Filter: baseFilter()})
	require.NoError(t, err)
	require.NoError(t, svc.CloseLobby(ctx, out.Lobby.ID, players[0]))

	next, err := svc.Join(ctx, JoinRequest{PlayerID: players[1], Filter: baseFilter()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, next.Kind)
}

func TestStartQueuedLobbyRequiresFull(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	players := addPlayers(t, st, 2)

	out, err := svc.Join(ctx, JoinRequest{PlayerID: players[0], Filter: withOpponents(baseFilter(), 1)})
	require.NoError(t, err)
	_, err = svc.StartLobby(ctx, out.Lobby.ID, players[0])
	assert.ErrorIs(t, err, lobby.ErrInvalidTransition)

	_, err = svc.Join(ctx, JoinRequest{PlayerID: players[1], Filter: baseFilter()})
	require.NoError(t, err)
	started, err := svc.StartLobby(ctx, out.Lobby.ID, players[0])
	require.NoError(t, err)
	assert.Equal(t, models.LobbyStarted, started.State)
	assert.WithinDuration(t, time.Now(), started.ModifiedAt, time.Minute)
}

// slowUsers answers after a short delay unless the context is cancelled first, and fails
// outright for one id.
type slowUsers struct {
	broken uuid.UUID
}

func (u slowUsers) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if id == u.broken {
		return nil, errors.New("directory unavailable")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
		return &models.User{ID: id, DisplayName: "healthy"}, nil
	}
}

func TestRosterDegradesOnlyFailedLookups(t *testing.T) {
	st, err := memstore.New()
	require.NoError(t, err)
	broken, a, b := uuid.New(), uuid.New(), uuid.New()
	f := lobby.NewFactory(lobby.DefaultMinOpponents, lobby.DefaultMaxOpponents)
	svc := NewService(st, slowUsers{broken: broken}, nil, f, WithLogger(quietLogger()))

	l := &models.Lobby{ID: uuid.New(), Participants: []models.Participant{
		{PlayerID: broken}, {PlayerID: a}, {PlayerID: b},
	}}
	users := svc.roster(context.Background(), l)
	assert.NotContains(t, users, broken)
	require.Contains(t, users, a)
	require.Contains(t, users, b)
	assert.Equal(t, "healthy", users[a].DisplayName)
}

// closeConflictStore fails the first DeleteLobby calls as if a concurrent join won.
type closeConflictStore struct {
	*memstore.Store
	failures int
}

func (s *closeConflictStore) DeleteLobby(ctx context.Context, id uuid.UUID) error {
	if s.failures > 0 {
		s.failures--
		return store.ErrConflict
	}
	return s.Store.DeleteLobby(ctx, id)
}

func TestCloseLobbyRetriesLostRace(t *testing.T) {
	mem, err := memstore.New()
	require.NoError(t, err)
	st := &closeConflictStore{Store: mem, failures: 2}
	f := lobby.NewFactory(lobby.DefaultMinOpponents, lobby.DefaultMaxOpponents)
	svc := NewService(st, mem, nil, f, WithLogger(quietLogger()))
	ctx := context.Background()
	players := addPlayers(t, mem, 1)

	out, err := svc.Join(ctx, JoinRequest{PlayerID: players[0], Filter: baseFilter()})
	require.NoError(t, err)
	require.NoError(t, svc.CloseLobby(ctx, out.Lobby.ID, players[0]))
	got, err := mem.GetLobby(ctx, out.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyClosed, got.State)

	st.failures = DefaultMaxAttempts
	out, err = svc.Join(ctx, JoinRequest{PlayerID: players[0], Filter: baseFilter()})
	require.NoError(t, err)
	err = svc.CloseLobby(ctx, out.Lobby.ID, players[0])
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.True(t, IsTransient(err))
}

func TestStaleFullLobbyReleasesMembers(t *testing.T) {
	st, err := memstore.New()
	require.NoError(t, err)
	f := lobby.NewFactory(lobby.DefaultMinOpponents, lobby.DefaultMaxOpponents)
	svc := NewService(st, st, nil, f, WithLogger(quietLogger()))
	ctx := context.Background()
	players := addPlayers(t, st, 2)

	first, err := svc.Join(ctx, JoinRequest{PlayerID: players[0], Filter: withOpponents(baseFilter(), 1)})
	require.NoError(t, err)
	_, err = svc.Join(ctx, JoinRequest{PlayerID: players[1], Filter: baseFilter()})
	require.NoError(t, err)

	again, err := svc.Join(ctx, JoinRequest{PlayerID: players[1], Filter: baseFilter()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeJoined, again.Kind)
	assert.Equal(t, first.Lobby.ID, again.Lobby.ID, "a fresh Full lobby still holds its members")

	later := func() time.Time { return time.Now().Add(lobby.FullHoldTime + time.Minute) }
	f.Now = later
	st.Now = later
	requeued, err := svc.Join(ctx, JoinRequest{PlayerID: players[1], Filter: baseFilter()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, requeued.Kind)
	assert.NotEqual(t, first.Lobby.ID, requeued.Lobby.ID)
}
