package handlers

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/middleware"
)

// NotifyWSHandler upgrades an authenticated caller to the notification socket. Browsers
// that cannot set headers may pass the token as ?token=.
func NotifyWSHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			playerID uuid.UUID
			err      error
		)
		if token := r.URL.Query().Get("token"); token != "" {
			playerID, err = s.Auth.AuthenticateJWT(token)
		} else {
			playerID, err = s.Auth.Authenticate(r)
		}
		if err != nil {
			http.Error(w, "invalid or missing auth token", http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"lobby"},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			s.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.CloseNow()

		if c.Subprotocol() != "lobby" {
			c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
			return
		}

		middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)
		session := s.Hub.Register(playerID)
		s.Hub.ServeConn(r.Context(), c, session)
		middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, nil)
	}
}
