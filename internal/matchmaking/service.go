// internal/matchmaking/service.go
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Notification event names pushed to player sessions.
const (
	EventLobbyInvitation = "OnLobbyInvitation"
	EventLobbyUpdated    = "OnLobbyUpdated"
	EventLobbyClosed     = "OnLobbyClosed"
)

// DefaultMaxAttempts bounds the select-and-append loop of a join.
const DefaultMaxAttempts = 5

const notifyTimeout = 5 * time.Second

// UserDirectory resolves player identities.
type UserDirectory interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Notifier pushes an event to the session of a player. Delivery is best effort.
type Notifier interface {
	Send(ctx context.Context, playerID uuid.UUID, event string, payload any) error
}

// JoinRequest is a queue-for-match call.
type JoinRequest struct {
	PlayerID          uuid.UUID
	Filter            models.Filter
	SelectedTribe     *models.Tribe
	SelectedTribeSkin *int
}

// Service runs the join protocol and the lobby operations around it.
type Service struct {
	store       store.Store
	users       UserDirectory
	notifier    Notifier
	factory     *lobby.Factory
	selector    *Selector
	maxAttempts int
	logger      *logrus.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the logger used for background failures.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wires a Service. A nil notifier disables notifications.
func NewService(st store.Store, users UserDirectory, notifier Notifier, factory *lobby.Factory, opts ...Option) *Service {
	s := &Service{
		store:       st,
		users:       users,
		notifier:    notifier,
		factory:     factory,
		selector:    NewSelector(st),
		maxAttempts: DefaultMaxAttempts,
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join places the player in the best compatible Matchmaking lobby, or creates one.
// Lost races are retried internally; only exhausted retries reach the caller, as a
// transient failure.
func (s *Service) Join(ctx context.Context, req JoinRequest) (Outcome, error) {
	if req.PlayerID == uuid.Nil || req.Filter.GameVersion == "" {
		return failed(FailureInvalid, ErrInvalidRequest)
	}
	if req.Filter.OpponentCount != nil && *req.Filter.OpponentCount < 1 {
		return failed(FailureInvalid, fmt.Errorf("%w: opponent count must be positive", ErrInvalidRequest))
	}
	if err := s.requireUser(ctx, req.PlayerID); err != nil {
		if errors.Is(err, ErrPlayerNotFound) {
			return failed(FailureNotFound, err)
		}
		return failed(FailureInternal, err)
	}

	log := s.logger.WithField("player", req.PlayerID)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		// A resubmitted or concurrent join by the same player may already have landed.
		existing, err := s.waitingLobby(ctx, req.PlayerID, req.Filter)
		if err != nil {
			return failed(FailureInternal, err)
		}
		if existing != nil {
			return s.finish(ctx, OutcomeJoined, existing, req), nil
		}

		ticket, err := s.selector.Find(ctx, req.Filter, req.PlayerID)
		if err != nil {
			return failed(FailureInternal, err)
		}

		if ticket == nil {
			l, t := s.factory.NewQueued(s.queueRequest(req))
			err := s.store.CreateQueuedLobby(ctx, l, t, req.Filter)
			if errors.Is(err, store.ErrConflict) {
				log.Debugf("attempt %d: compatible lobby appeared during create, reselecting", attempt)
				continue
			}
			if err != nil {
				return failed(FailureInternal, fmt.Errorf("create lobby: %w", err))
			}
			log.Infof("created lobby %s (%d players max)", l.ID, l.MaxPlayers)
			return s.finish(ctx, OutcomeCreated, l, req), nil
		}

		l, err := s.store.AppendPlayer(ctx, ticket.ID, s.participant(req), ticket.Version)
		switch {
		case err == nil:
			log.Infof("joined lobby %s (%d/%d)", l.ID, len(l.Participants), l.MaxPlayers)
			return s.finish(ctx, OutcomeJoined, l, req), nil
		case errors.Is(err, store.ErrAlreadyMember):
			l, err := s.store.GetLobby(ctx, ticket.LobbyID)
			if err != nil {
				return failed(FailureInternal, fmt.Errorf("load lobby %s: %w", ticket.LobbyID, err))
			}
			return s.finish(ctx, OutcomeJoined, l, req), nil
		case errors.Is(err, store.ErrConflict):
			log.Debugf("attempt %d: lost race on ticket %s", attempt, ticket.ID)
			continue
		default:
			return failed(FailureInternal, fmt.Errorf("append to ticket %s: %w", ticket.ID, err))
		}
	}

	log.Warnf("matchmaking gave up after %d attempts", s.maxAttempts)
	return failed(FailureTransient, ErrRetriesExhausted)
}

// waitingLobby returns a Matchmaking or recently filled lobby the player already belongs to
// that satisfies filter, so a resubmitted join does not enroll the player twice.
func (s *Service) waitingLobby(ctx context.Context, playerID uuid.UUID, filter models.Filter) (*models.Lobby, error) {
	lobbies, err := s.store.ListLobbiesByParticipant(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("list lobbies of %s: %w", playerID, err)
	}
	now := s.factory.Now()
	for _, l := range lobbies {
		if !lobby.HoldsMembers(l, now) {
			continue
		}
		if filter.Matches(l.Criteria(), l.MaxPlayers) {
			return l, nil
		}
	}
	return nil, nil
}

func (s *Service) queueRequest(req JoinRequest) lobby.Request {
	f := req.Filter
	r := lobby.Request{
		OwnerID:           req.PlayerID,
		GameVersion:       f.GameVersion,
		Platform:          f.Platform,
		AllowCrossPlay:    f.AllowCrossPlay,
		MapPreset:         f.MapPreset,
		MapSize:           f.MapSize,
		GameMode:          f.GameMode,
		ScoreLimit:        f.ScoreLimit,
		TimeLimit:         f.TimeLimit,
		SelectedTribe:     req.SelectedTribe,
		SelectedTribeSkin: req.SelectedTribeSkin,
	}
	if f.OpponentCount != nil {
		r.OpponentCount = *f.OpponentCount
	}
	return r
}

func (s *Service) participant(req JoinRequest) models.Participant {
	return models.Participant{
		PlayerID:          req.PlayerID,
		InvitationState:   models.InvitationInvited,
		SelectedTribe:     req.SelectedTribe,
		SelectedTribeSkin: req.SelectedTribeSkin,
		JoinedAt:          s.factory.Now().UTC(),
	}
}

// finish runs after the write committed. Caller cancellation no longer applies: the
// notifications and roster lookups run on a detached context.
func (s *Service) finish(ctx context.Context, kind OutcomeKind, l *models.Lobby, req JoinRequest) Outcome {
	ctx = context.WithoutCancel(ctx)
	resp := s.respond(ctx, l, req.SelectedTribe != nil)
	resp.Outcome = kind.String()

	s.notify(ctx, req.PlayerID, EventLobbyInvitation, resp)
	s.broadcast(ctx, l, EventLobbyUpdated, resp.Summary, req.PlayerID)
	return Outcome{Kind: kind, Lobby: l, Response: resp}
}

func (s *Service) respond(ctx context.Context, l *models.Lobby, withPickedTribe bool) *JoinResponse {
	return BuildResponse(l, s.roster(ctx, l), withPickedTribe)
}

// roster fetches identities of all participants concurrently. A failed lookup degrades
// only that participant to a placeholder entry.
func (s *Service) roster(ctx context.Context, l *models.Lobby) map[uuid.UUID]*models.User {
	var (
		mu    sync.Mutex
		users = make(map[uuid.UUID]*models.User, len(l.Participants))
		g     errgroup.Group
	)
	g.SetLimit(8)
	for _, id := range l.PlayerIDs() {
		g.Go(func() error {
			u, err := s.users.GetUserByID(ctx, id)
			if err != nil {
				s.logger.Warnf("roster of lobby %s: user %s: %v", l.ID, id, err)
				return nil
			}
			mu.Lock()
			users[id] = u
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return users
}

func (s *Service) notify(ctx context.Context, playerID uuid.UUID, event string, payload any) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := s.notifier.Send(ctx, playerID, event, payload); err != nil {
		s.logger.Warnf("failed to send %s to %s: %v", event, playerID, err)
	}
}

func (s *Service) requireUser(ctx context.Context, id uuid.UUID) error {
	_, err := s.users.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", id, err)
	}
	return nil
}
