package matchmaking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
)

// ErrNoPendingInvitation is returned when a player answers an invitation they do not hold.
var ErrNoPendingInvitation = errors.New("no pending invitation")

// CreateLobby creates an Open lobby owned by req.OwnerID. It is never offered to
// matchmaking; players enter only through Invite.
func (s *Service) CreateLobby(ctx context.Context, req lobby.Request) (Outcome, error) {
	if req.OwnerID == uuid.Nil || req.GameVersion == "" || req.OpponentCount < 0 {
		return failed(FailureInvalid, ErrInvalidRequest)
	}
	if err := s.requireUser(ctx, req.OwnerID); err != nil {
		if errors.Is(err, ErrPlayerNotFound) {
			return failed(FailureNotFound, err)
		}
		return failed(FailureInternal, err)
	}

	l := s.factory.NewDirect(req)
	if err := s.store.CreateLobby(ctx, l); err != nil {
		return failed(FailureInternal, fmt.Errorf("create lobby: %w", err))
	}
	s.logger.Infof("player %s created lobby %s", req.OwnerID, l.ID)

	resp := s.respond(context.WithoutCancel(ctx), l, req.SelectedTribe != nil)
	resp.Outcome = OutcomeCreated.String()
	return Outcome{Kind: OutcomeCreated, Lobby: l, Response: resp}, nil
}

// Invite enrolls inviteeID into an Open lobby owned by ownerID.
func (s *Service) Invite(ctx context.Context, lobbyID, ownerID, inviteeID uuid.UUID) (*models.Lobby, error) {
	if err := s.requireUser(ctx, inviteeID); err != nil {
		return nil, err
	}
	l, err := s.mutate(ctx, lobbyID, store.ReasonInvited, func(l *models.Lobby) error {
		if l.OwnerID != ownerID {
			return ErrForbidden
		}
		if l.State != models.LobbyOpen {
			return fmt.Errorf("%w: cannot invite into %s lobby", lobby.ErrInvalidTransition, l.State)
		}
		_, err := lobby.Enroll(l, models.Participant{
			PlayerID:        inviteeID,
			InvitationState: models.InvitationInvited,
		}, s.factory.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	resp := s.respond(ctx, l, false)
	s.notify(ctx, inviteeID, EventLobbyInvitation, resp)
	s.broadcast(ctx, l, EventLobbyUpdated, resp.Summary, inviteeID)
	return l, nil
}

// RespondToInvitation records playerID's answer to a pending invitation.
func (s *Service) RespondToInvitation(ctx context.Context, lobbyID, playerID uuid.UUID, accept bool) (*models.Lobby, error) {
	answer, reason := models.InvitationDeclined, store.ReasonDeclined
	if accept {
		answer, reason = models.InvitationAccepted, store.ReasonAccepted
	}

	l, err := s.mutate(ctx, lobbyID, reason, func(l *models.Lobby) error {
		if l.State == models.LobbyStarted || l.State == models.LobbyClosed {
			return fmt.Errorf("%w: lobby is %s", lobby.ErrInvalidTransition, l.State)
		}
		p, ok := l.Participant(playerID)
		if !ok {
			return ErrForbidden
		}
		if p.InvitationState != models.InvitationInvited {
			return ErrNoPendingInvitation
		}
		return lobby.SetInvitation(l, playerID, answer, s.factory.Now())
	})
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	s.broadcast(ctx, l, EventLobbyUpdated, s.respond(ctx, l, false).Summary, playerID)
	return l, nil
}

// StartLobby moves an Open or Full lobby to Started. Only the owner may start it.
func (s *Service) StartLobby(ctx context.Context, lobbyID, ownerID uuid.UUID) (*models.Lobby, error) {
	l, err := s.mutate(ctx, lobbyID, store.ReasonStarted, func(l *models.Lobby) error {
		if l.OwnerID != ownerID {
			return ErrForbidden
		}
		return lobby.Transition(l, models.LobbyStarted, s.factory.Now())
	})
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	s.broadcast(ctx, l, EventLobbyUpdated, s.respond(ctx, l, false).Summary, ownerID)
	return l, nil
}

// CloseLobby closes a lobby and withdraws its ticket. Only the owner may close it.
func (s *Service) CloseLobby(ctx context.Context, lobbyID, ownerID uuid.UUID) error {
	l, err := s.load(ctx, lobbyID)
	if err != nil {
		return err
	}
	if l.OwnerID != ownerID {
		return ErrForbidden
	}
	if !lobby.CanTransition(l.State, models.LobbyClosed) {
		return fmt.Errorf("%w: lobby is %s", lobby.ErrInvalidTransition, l.State)
	}
	if err := s.deleteLobby(ctx, lobbyID); err != nil {
		return err
	}
	s.logger.Infof("player %s closed lobby %s", ownerID, lobbyID)

	s.broadcast(context.WithoutCancel(ctx), l, EventLobbyClosed, map[string]uuid.UUID{"lobbyId": lobbyID}, ownerID)
	return nil
}

// deleteLobby closes the lobby, retrying when a concurrent writer aborted the close.
func (s *Service) deleteLobby(ctx context.Context, lobbyID uuid.UUID) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.store.DeleteLobby(ctx, lobbyID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrNotFound):
			return ErrLobbyNotFound
		case errors.Is(err, store.ErrConflict):
			s.logger.Debugf("attempt %d: close of lobby %s raced another write", attempt, lobbyID)
		default:
			return fmt.Errorf("close lobby %s: %w", lobbyID, err)
		}
	}
	return ErrRetriesExhausted
}

// GetLobby returns the summary of a lobby as seen by one of its participants.
func (s *Service) GetLobby(ctx context.Context, lobbyID, viewerID uuid.UUID) (*JoinResponse, error) {
	l, err := s.load(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	p, ok := l.Participant(viewerID)
	if !ok {
		return nil, ErrForbidden
	}
	return s.respond(ctx, l, p.SelectedTribe != nil), nil
}

// ListMyLobbies returns the lobbies playerID belongs to that are not closed.
func (s *Service) ListMyLobbies(ctx context.Context, playerID uuid.UUID) ([]*models.Lobby, error) {
	all, err := s.store.ListLobbiesByParticipant(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("list lobbies of %s: %w", playerID, err)
	}
	out := make([]*models.Lobby, 0, len(all))
	for _, l := range all {
		if l.State != models.LobbyClosed {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	l, err := s.store.GetLobby(ctx, lobbyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLobbyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load lobby %s: %w", lobbyID, err)
	}
	return l, nil
}

// mutate applies fn to a fresh copy of the lobby and writes it conditionally, reloading
// and reapplying when another writer got there first.
func (s *Service) mutate(ctx context.Context, lobbyID uuid.UUID, reason string, fn func(*models.Lobby) error) (*models.Lobby, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		l, err := s.load(ctx, lobbyID)
		if err != nil {
			return nil, err
		}
		if err := fn(l); err != nil {
			return nil, err
		}
		err = s.store.UpdateLobby(ctx, l, reason)
		if errors.Is(err, store.ErrConflict) {
			s.logger.Debugf("attempt %d: lobby %s changed underneath %s", attempt, lobbyID, reason)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update lobby %s: %w", lobbyID, err)
		}
		return l, nil
	}
	return nil, ErrRetriesExhausted
}

func (s *Service) broadcast(ctx context.Context, l *models.Lobby, event string, payload any, except uuid.UUID) {
	for _, id := range l.PlayerIDs() {
		if id != except {
			s.notify(ctx, id, event, payload)
		}
	}
}
