package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jason-s-yu/matchmaker/internal/auth"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
)

const (
	defaultRating    = 1000
	maxDisplayName   = 32
	guestNameDefault = "Guest"
)

type guestRequest struct {
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

type guestResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// GuestHandler creates an ephemeral user and hands back a token for it. The token is
// also set as the auth cookie.
func GuestHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req guestRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		name := strings.TrimSpace(req.DisplayName)
		if name == "" {
			name = guestNameDefault
		}
		if len(name) > maxDisplayName {
			http.Error(w, "displayName too long", http.StatusBadRequest)
			return
		}

		u := &models.User{DisplayName: name, AvatarRef: req.AvatarRef, Rating: defaultRating}
		if err := s.Users.CreateUser(r.Context(), u); err != nil {
			s.writeError(w, r, err)
			return
		}
		token, err := s.Auth.CreateJWT(u.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    token,
			HttpOnly: true,
			Path:     "/",
			MaxAge:   int(s.TokenTTL.Seconds()),
		})
		writeJSON(w, http.StatusCreated, guestResponse{User: u, Token: token})
	}
}

// MeHandler returns the caller's identity record.
func MeHandler(s *APIServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		u, err := s.Users.GetUserByID(r.Context(), playerID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}
