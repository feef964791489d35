// Package events records committed lobby mutations so they can be archived off the request
// path. Recording is best effort: a failed publish is logged and never fails the write.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
	"github.com/sirupsen/logrus"
)

// Event describes one committed lobby write.
type Event struct {
	LobbyID   uuid.UUID         `json:"lobby_id"`
	Version   int64             `json:"version"`
	Reason    string            `json:"reason"`
	State     models.LobbyState `json:"state"`
	PlayerID  uuid.UUID         `json:"player_id"`
	PlayerIDs []uuid.UUID       `json:"player_ids"`
	Timestamp int64             `json:"timestamp"`
}

// Recorder publishes events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// RecordingStore wraps a store and publishes an Event after every successful write.
type RecordingStore struct {
	store.Store
	rec    Recorder
	logger *logrus.Logger
	now    func() time.Time
}

var _ store.Store = (*RecordingStore)(nil)

// NewRecordingStore decorates inner with rec.
func NewRecordingStore(inner store.Store, rec Recorder, logger *logrus.Logger) *RecordingStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RecordingStore{Store: inner, rec: rec, logger: logger, now: time.Now}
}

func (s *RecordingStore) record(ctx context.Context, l *models.Lobby, reason string, playerID uuid.UUID) {
	ev := Event{
		LobbyID:   l.ID,
		Version:   l.Version,
		Reason:    reason,
		State:     l.State,
		PlayerID:  playerID,
		PlayerIDs: l.PlayerIDs(),
		Timestamp: s.now().UnixMilli(),
	}
	if err := s.rec.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warnf("failed to record %s event for lobby %s: %v", reason, l.ID, err)
	}
}

// CreateLobby implements store.LobbyStore.
func (s *RecordingStore) CreateLobby(ctx context.Context, l *models.Lobby) error {
	if err := s.Store.CreateLobby(ctx, l); err != nil {
		return err
	}
	s.record(ctx, l, store.ReasonCreated, l.OwnerID)
	return nil
}

// UpdateLobby implements store.LobbyStore.
func (s *RecordingStore) UpdateLobby(ctx context.Context, l *models.Lobby, reason string) error {
	if err := s.Store.UpdateLobby(ctx, l, reason); err != nil {
		return err
	}
	s.record(ctx, l, reason, uuid.Nil)
	return nil
}

// DeleteLobby implements store.LobbyStore.
func (s *RecordingStore) DeleteLobby(ctx context.Context, id uuid.UUID) error {
	if err := s.Store.DeleteLobby(ctx, id); err != nil {
		return err
	}
	l, err := s.Store.GetLobby(ctx, id)
	if err != nil {
		s.logger.Warnf("closed lobby %s but could not reload it for the event log: %v", id, err)
		return nil
	}
	s.record(ctx, l, store.ReasonClosed, uuid.Nil)
	return nil
}

// CreateQueuedLobby implements store.TicketIndex.
func (s *RecordingStore) CreateQueuedLobby(ctx context.Context, l *models.Lobby, t *models.MatchmakingTicket, guard models.Filter) error {
	if err := s.Store.CreateQueuedLobby(ctx, l, t, guard); err != nil {
		return err
	}
	s.record(ctx, l, store.ReasonCreated, l.OwnerID)
	return nil
}

// AppendPlayer implements store.TicketIndex.
func (s *RecordingStore) AppendPlayer(ctx context.Context, ticketID uuid.UUID, p models.Participant, expectedVersion int64) (*models.Lobby, error) {
	l, err := s.Store.AppendPlayer(ctx, ticketID, p, expectedVersion)
	if err != nil {
		return nil, err
	}
	reason := store.ReasonJoined
	if l.State == models.LobbyFull {
		reason = store.ReasonFull
	}
	s.record(ctx, l, reason, p.PlayerID)
	return l, nil
}
