package lobby

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/models"
)

var (
	ErrInvalidTransition = errors.New("lobby: invalid state transition")
	ErrLobbyFull         = errors.New("lobby: no open slot")
	ErrAlreadyEnrolled   = errors.New("lobby: player already enrolled")
	ErrNotEnrolled       = errors.New("lobby: player not enrolled")
)

var transitions = map[models.LobbyState][]models.LobbyState{
	models.LobbyOpen:        {models.LobbyStarted, models.LobbyClosed},
	models.LobbyMatchmaking: {models.LobbyFull, models.LobbyClosed},
	models.LobbyFull:        {models.LobbyStarted, models.LobbyClosed},
	models.LobbyStarted:     {models.LobbyClosed},
}

// CanTransition reports whether a lobby may move from one state to another.
func CanTransition(from, to models.LobbyState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves l to state to, stamping ModifiedAt.
func Transition(l *models.Lobby, to models.LobbyState, now time.Time) error {
	if !CanTransition(l.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State, to)
	}
	l.State = to
	l.ModifiedAt = now.UTC()
	return nil
}

// Enroll appends p to the roster. When the append takes the last slot of a Matchmaking
// lobby, the lobby moves to Full and Enroll reports full=true; callers must drop the
// ticket in the same write.
func Enroll(l *models.Lobby, p models.Participant, now time.Time) (full bool, err error) {
	if l.HasParticipant(p.PlayerID) {
		return false, ErrAlreadyEnrolled
	}
	if l.OpenSlots() <= 0 {
		return false, ErrLobbyFull
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now.UTC()
	}
	l.Participants = append(l.Participants, p)
	l.ModifiedAt = now.UTC()

	if l.OpenSlots() == 0 && l.State == models.LobbyMatchmaking {
		if err := Transition(l, models.LobbyFull, now); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// SetInvitation updates the invitation state of a participant.
func SetInvitation(l *models.Lobby, playerID uuid.UUID, state models.InvitationState, now time.Time) error {
	p, ok := l.Participant(playerID)
	if !ok {
		return ErrNotEnrolled
	}
	p.InvitationState = state
	l.ModifiedAt = now.UTC()
	return nil
}

// FullHoldTime is how long a Full lobby nobody starts keeps its members out of the queue.
const FullHoldTime = 10 * time.Minute

// HoldsMembers reports whether l still counts as where its members are queued: it is
// Matchmaking, or Full and touched within FullHoldTime of now.
func HoldsMembers(l *models.Lobby, now time.Time) bool {
	switch l.State {
	case models.LobbyMatchmaking:
		return true
	case models.LobbyFull:
		return now.Sub(l.ModifiedAt) < FullHoldTime
	}
	return false
}

// IsMatchable reports whether the lobby can still be offered by matchmaking.
func IsMatchable(l *models.Lobby) bool {
	return l.State == models.LobbyMatchmaking && l.OpenSlots() > 0
}
