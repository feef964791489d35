// internal/matchmaking/selector.go
package matchmaking

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
)

// Selector finds the open ticket a player should join.
type Selector struct {
	index store.TicketIndex
}

// NewSelector returns a selector reading candidates from index.
func NewSelector(index store.TicketIndex) *Selector {
	return &Selector{index: index}
}

// Find queries candidates for filter and returns the winner, or nil when no open ticket
// qualifies.
func (s *Selector) Find(ctx context.Context, filter models.Filter, playerID uuid.UUID) (*models.MatchmakingTicket, error) {
	candidates, err := s.index.QueryCandidates(ctx, filter, playerID)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	return Select(candidates, filter, playerID), nil
}

// Select applies the tie-break to candidates: the most-filled ticket wins, then the
// oldest, then the lowest id. Tickets that do not match filter, that playerID already
// belongs to, or that are full are skipped regardless of what the index returned.
func Select(candidates []*models.MatchmakingTicket, filter models.Filter, playerID uuid.UUID) *models.MatchmakingTicket {
	var best *models.MatchmakingTicket
	for _, t := range candidates {
		if t == nil || t.IsFull() || t.HasPlayer(playerID) || !filter.MatchesTicket(t) {
			continue
		}
		if best == nil || preferred(t, best) {
			best = t
		}
	}
	return best
}

func preferred(a, b *models.MatchmakingTicket) bool {
	if len(a.PlayerIDs) != len(b.PlayerIDs) {
		return len(a.PlayerIDs) > len(b.PlayerIDs)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
