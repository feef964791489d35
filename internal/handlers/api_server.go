// internal/handlers/api_server.go
package handlers

import (
	"net/http"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/auth"
	"github.com/jason-s-yu/matchmaker/internal/matchmaking"
	"github.com/jason-s-yu/matchmaker/internal/middleware"
	"github.com/jason-s-yu/matchmaker/internal/notify"
	"github.com/jason-s-yu/matchmaker/internal/store"
	"github.com/sirupsen/logrus"
)

// APIServer holds what the HTTP handlers need: the matchmaking service, the token issuer,
// the user directory and the local notification hub.
type APIServer struct {
	Matchmaker *matchmaking.Service
	Auth       *auth.Issuer
	Users      store.UserStore
	Hub        *notify.Hub
	Logger     *logrus.Logger

	// TokenTTL sets the auth cookie lifetime; zero issues a session cookie.
	TokenTTL time.Duration
}

// Routes registers every endpoint on a fresh mux wrapped in request logging.
func (s *APIServer) Routes() http.Handler {
	mux := http.NewServeMux()

	// user endpoints
	mux.HandleFunc("POST /user/guest", GuestHandler(s))
	mux.HandleFunc("GET /user/me", MeHandler(s))

	// matchmaking
	mux.HandleFunc("POST /matchmaking/join", JoinHandler(s))

	// lobby endpoints
	mux.HandleFunc("POST /lobby/create", CreateLobbyHandler(s))
	mux.HandleFunc("GET /lobby/mine", ListMyLobbiesHandler(s))
	mux.HandleFunc("GET /lobby/{id}", GetLobbyHandler(s))
	mux.HandleFunc("DELETE /lobby/{id}", CloseLobbyHandler(s))
	mux.HandleFunc("POST /lobby/{id}/invite", InviteHandler(s))
	mux.HandleFunc("POST /lobby/{id}/respond", RespondHandler(s))
	mux.HandleFunc("POST /lobby/{id}/start", StartLobbyHandler(s))

	// notification websocket
	mux.HandleFunc("GET /notify/ws", NotifyWSHandler(s))

	return middleware.LogMiddleware(s.Logger)(mux)
}
