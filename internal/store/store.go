// Package store declares the persistence contracts of the matchmaker. Lobbies are the
// source of truth for participants; tickets are a derived index that every backend keeps
// consistent with its lobby inside the same atomic write.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

var (
	// ErrNotFound is returned when a lobby or ticket does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional write lost its race: the stored version
	// moved, the ticket filled or vanished, or a compatible ticket appeared before a create.
	ErrConflict = errors.New("store: conditional write conflict")
	// ErrAlreadyMember is returned when the player already holds a slot in the lobby.
	ErrAlreadyMember = errors.New("store: player already in lobby")
)

// Update reasons recorded alongside lobby writes.
const (
	ReasonCreated  = "created"
	ReasonJoined   = "joined"
	ReasonFull     = "full"
	ReasonInvited  = "invited"
	ReasonAccepted = "accepted"
	ReasonDeclined = "declined"
	ReasonStarted  = "started"
	ReasonClosed   = "closed"
)

// LobbyStore persists lobby records and their participants.
type LobbyStore interface {
	GetLobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error)
	CreateLobby(ctx context.Context, lobby *models.Lobby) error
	// UpdateLobby writes lobby only if the stored version still equals lobby.Version, and
	// bumps lobby.Version on success. reason tags the mutation for the event log.
	UpdateLobby(ctx context.Context, lobby *models.Lobby, reason string) error
	// DeleteLobby moves the lobby to Closed and removes any ticket it owns.
	DeleteLobby(ctx context.Context, id uuid.UUID) error
	ListLobbiesByParticipant(ctx context.Context, playerID uuid.UUID) ([]*models.Lobby, error)
}

// TicketIndex stores open matchmaking tickets.
type TicketIndex interface {
	// QueryCandidates returns open tickets matching filter that playerID does not belong
	// to. Order is unspecified; callers apply the tie-break.
	QueryCandidates(ctx context.Context, filter models.Filter, playerID uuid.UUID) ([]*models.MatchmakingTicket, error)
	// CreateQueuedLobby persists a Matchmaking lobby and its ticket together. It fails with
	// ErrConflict when a ticket matching guard became available for the owner, so racing
	// creators fall back to joining instead of fragmenting, or when the owner already
	// holds a slot in a Matchmaking or Full lobby matching guard.
	CreateQueuedLobby(ctx context.Context, lobby *models.Lobby, ticket *models.MatchmakingTicket, guard models.Filter) error
	// AppendPlayer enrolls participant in the ticket's lobby if the ticket version still
	// equals expectedVersion, a slot is free and the player is not a member. Filling the
	// last slot deletes the ticket and marks the lobby Full in the same write.
	AppendPlayer(ctx context.Context, ticketID uuid.UUID, participant models.Participant, expectedVersion int64) (*models.Lobby, error)
	DeleteTicket(ctx context.Context, id uuid.UUID) error
}

// UserStore holds the identity records rosters are built from.
type UserStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
}

// Store is a backend that co-locates lobbies and the ticket index.
type Store interface {
	LobbyStore
	TicketIndex
}
