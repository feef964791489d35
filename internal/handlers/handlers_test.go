package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/auth"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/matchmaking"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/notify"
	"github.com/jason-s-yu/matchmaker/internal/store"
	"github.com/jason-s-yu/matchmaker/internal/store/memstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conflictingStore loses every create race, so joins exhaust their attempts.
type conflictingStore struct {
	*memstore.Store
}

func (conflictingStore) CreateQueuedLobby(context.Context, *models.Lobby, *models.MatchmakingTicket, models.Filter) error {
	return store.ErrConflict
}

type testEnv struct {
	srv *httptest.Server
	hub *notify.Hub
	iss *auth.Issuer
}

func newEnv(t *testing.T, wrap func(*memstore.Store) store.Store) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mem, err := memstore.New()
	require.NoError(t, err)
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	iss, err := auth.NewIssuer(time.Hour)
	require.NoError(t, err)
	hub := notify.NewHub(8, logger)

	api := &APIServer{
		Matchmaker: matchmaking.NewService(st, mem, hub, lobby.NewFactory(2, 8), matchmaking.WithLogger(logger)),
		Auth:       iss,
		Users:      mem,
		Hub:        hub,
		Logger:     logger,
		TokenTTL:   time.Hour,
	}
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, iss: iss}
}

// guest registers a player and returns its id and token.
func (e *testEnv) guest(t *testing.T, name string) (uuid.UUID, string) {
	t.Helper()
	res := e.do(t, http.MethodPost, "/user/guest", "", map[string]string{"displayName": name})
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var body guestResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	assert.Equal(t, name, body.User.DisplayName)

	var cookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, body.Token, cookie.Value)
	return body.User.ID, body.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	return res
}

func decodeInto[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func joinBody(opponents int) map[string]any {
	return map[string]any{
		"version":       "104",
		"timeLimit":     900,
		"platform":      "steam",
		"opponentCount": opponents,
	}
}

func TestJoinCreatesThenJoins(t *testing.T) {
	e := newEnv(t, nil)
	_, alice := e.guest(t, "alice")
	bobID, bob := e.guest(t, "bob")

	res := e.do(t, http.MethodPost, "/matchmaking/join", alice, joinBody(1))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	created := decodeInto[matchmaking.JoinResponse](t, res)
	assert.Equal(t, "created", created.Outcome)
	assert.True(t, created.IsWaitingForOpponents)
	assert.Equal(t, 1, created.Summary.OpponentCount)
	assert.NotEmpty(t, created.LobbyName)

	// the zero sentinels of the optional dimensions must not exclude the lobby
	body := joinBody(0)
	body["mapSize"] = 0
	body["gameMode"] = 0
	body["playerId"] = bobID
	res = e.do(t, http.MethodPost, "/matchmaking/join", bob, body)
	require.Equal(t, http.StatusOK, res.StatusCode)
	joined := decodeInto[matchmaking.JoinResponse](t, res)
	assert.Equal(t, "joined", joined.Outcome)
	assert.Equal(t, created.Summary.LobbyID, joined.Summary.LobbyID)
	assert.False(t, joined.IsWaitingForOpponents)
	require.Len(t, joined.Summary.Participants, 2)
	assert.Equal(t, "bob", joined.Summary.Participants[1].DisplayName)

	res = e.do(t, http.MethodGet, "/lobby/"+joined.Summary.LobbyID.String(), alice, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decodeInto[matchmaking.JoinResponse](t, res)
	assert.Equal(t, models.LobbyFull, got.Summary.State)

	res = e.do(t, http.MethodGet, "/lobby/mine", bob, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	mine := decodeInto[[]models.Lobby](t, res)
	require.Len(t, mine, 1)
	assert.Equal(t, joined.Summary.LobbyID, mine[0].ID)
}

func TestJoinRejections(t *testing.T) {
	e := newEnv(t, nil)
	_, alice := e.guest(t, "alice")

	res := e.do(t, http.MethodPost, "/matchmaking/join", "", joinBody(1))
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	body := joinBody(1)
	body["playerId"] = uuid.New()
	res = e.do(t, http.MethodPost, "/matchmaking/join", alice, body)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	body = joinBody(1)
	delete(body, "version")
	res = e.do(t, http.MethodPost, "/matchmaking/join", alice, body)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = e.do(t, http.MethodPost, "/matchmaking/join", alice, joinBody(-2))
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestJoinUnknownPlayerIsNotFound(t *testing.T) {
	e := newEnv(t, nil)
	token, err := e.iss.CreateJWT(uuid.New())
	require.NoError(t, err)

	res := e.do(t, http.MethodPost, "/matchmaking/join", token, joinBody(1))
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = e.do(t, http.MethodGet, "/user/me", token, nil)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestTokensOfAnotherInstanceAreRejected(t *testing.T) {
	_, alice := newEnv(t, nil).guest(t, "alice")

	res := newEnv(t, nil).do(t, http.MethodPost, "/matchmaking/join", alice, joinBody(1))
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestJoinContentionIsRetryable(t *testing.T) {
	e := newEnv(t, func(m *memstore.Store) store.Store { return conflictingStore{m} })
	_, alice := e.guest(t, "alice")

	res := e.do(t, http.MethodPost, "/matchmaking/join", alice, joinBody(1))
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "1", res.Header.Get("Retry-After"))
}

func TestDirectLobbyFlow(t *testing.T) {
	e := newEnv(t, nil)
	_, owner := e.guest(t, "owner")
	guestID, guest := e.guest(t, "guest")
	_, stranger := e.guest(t, "stranger")

	res := e.do(t, http.MethodPost, "/lobby/create", owner, map[string]any{
		"version": "104", "timeLimit": 600, "platform": "ios", "opponentCount": 1,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	created := decodeInto[matchmaking.JoinResponse](t, res)
	assert.Equal(t, models.LobbyOpen, created.Summary.State)
	id := created.Summary.LobbyID.String()

	res = e.do(t, http.MethodGet, "/lobby/"+id, stranger, nil)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = e.do(t, http.MethodPost, "/lobby/"+id+"/invite", stranger, map[string]any{"playerId": guestID})
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = e.do(t, http.MethodPost, "/lobby/"+id+"/invite", owner, map[string]any{"playerId": guestID})
	require.Equal(t, http.StatusOK, res.StatusCode)
	invited := decodeInto[models.Lobby](t, res)
	require.Len(t, invited.Participants, 2)
	assert.Equal(t, models.InvitationInvited, invited.Participants[1].InvitationState)

	res = e.do(t, http.MethodPost, "/lobby/"+id+"/invite", owner, map[string]any{"playerId": guestID})
	res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode, "second invite of the same player")

	res = e.do(t, http.MethodPost, "/lobby/"+id+"/respond", guest, map[string]any{"accept": true})
	require.Equal(t, http.StatusOK, res.StatusCode)
	accepted := decodeInto[models.Lobby](t, res)
	assert.Equal(t, models.InvitationAccepted, accepted.Participants[1].InvitationState)

	res = e.do(t, http.MethodPost, "/lobby/"+id+"/respond", guest, map[string]any{"accept": true})
	res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode, "no pending invitation left")

	res = e.do(t, http.MethodPost, "/lobby/"+id+"/start", owner, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	started := decodeInto[models.Lobby](t, res)
	assert.Equal(t, models.LobbyStarted, started.State)

	res = e.do(t, http.MethodDelete, "/lobby/"+id, owner, nil)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = e.do(t, http.MethodPost, "/lobby/"+id+"/start", owner, nil)
	res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = e.do(t, http.MethodGet, "/lobby/mine", owner, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decodeInto[[]models.Lobby](t, res))
}

func TestLobbyPathErrors(t *testing.T) {
	e := newEnv(t, nil)
	_, alice := e.guest(t, "alice")

	res := e.do(t, http.MethodGet, "/lobby/not-a-uuid", alice, nil)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = e.do(t, http.MethodGet, "/lobby/"+uuid.NewString(), alice, nil)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = e.do(t, http.MethodDelete, "/lobby/"+uuid.NewString(), alice, nil)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGuestValidation(t *testing.T) {
	e := newEnv(t, nil)
	res := e.do(t, http.MethodPost, "/user/guest", "", map[string]string{"displayName": strings.Repeat("x", 40)})
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = e.do(t, http.MethodPost, "/user/guest", "", nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "Guest", decodeInto[guestResponse](t, res).User.DisplayName)
}

func TestNotifySocketReceivesLobbyUpdates(t *testing.T) {
	e := newEnv(t, nil)
	aliceID, alice := e.guest(t, "alice")
	_, bob := e.guest(t, "bob")

	res := e.do(t, http.MethodPost, "/matchmaking/join", alice, joinBody(1))
	res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/notify/ws?token=" + alice
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{"lobby"}})
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return e.hub.Connected(aliceID) == 1 }, time.Second, 10*time.Millisecond)

	res = e.do(t, http.MethodPost, "/matchmaking/join", bob, joinBody(1))
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var f struct {
		Type    string                   `json:"type"`
		Payload matchmaking.LobbySummary `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, matchmaking.EventLobbyUpdated, f.Type)
	assert.Len(t, f.Payload.Participants, 2)
}

func TestNotifySocketRequiresAuthAndSubprotocol(t *testing.T) {
	e := newEnv(t, nil)
	_, alice := e.guest(t, "alice")
	base := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/notify/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, res, err := websocket.Dial(ctx, base, &websocket.DialOptions{Subprotocols: []string{"lobby"}})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	c, _, err := websocket.Dial(ctx, base+"?token="+alice, nil)
	require.NoError(t, err)
	_, _, err = c.Read(ctx)
	assert.Equal(t, websocket.StatusCode(BadSubprotocolError), websocket.CloseStatus(err))
}
