package matchmaking

import (
	"errors"

	"github.com/jason-s-yu/matchmaker/internal/models"
)

var (
	ErrInvalidRequest   = errors.New("invalid matchmaking request")
	ErrPlayerNotFound   = errors.New("player not found")
	ErrLobbyNotFound    = errors.New("lobby not found")
	ErrForbidden        = errors.New("operation not allowed for this player")
	ErrRetriesExhausted = errors.New("matchmaking contention, please retry")
)

// IsTransient reports whether the caller should simply resubmit.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}

// OutcomeKind tags the result of a join.
type OutcomeKind int

const (
	OutcomeFailed OutcomeKind = iota
	OutcomeCreated
	OutcomeJoined
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCreated:
		return "created"
	case OutcomeJoined:
		return "joined"
	}
	return "failed"
}

// FailureKind classifies a failed outcome.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureInvalid
	FailureNotFound
	FailureTransient
	FailureInternal
)

// Outcome is the result of Join: Created or Joined carry the lobby and the response
// summary; Failed carries the failure kind and the error is returned alongside.
type Outcome struct {
	Kind     OutcomeKind
	Lobby    *models.Lobby
	Response *JoinResponse
	Failure  FailureKind
}

func failed(kind FailureKind, err error) (Outcome, error) {
	return Outcome{Kind: OutcomeFailed, Failure: kind}, err
}
