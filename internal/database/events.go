package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/matchmaker/internal/events"
)

// InsertLobbyEvents archives a batch of lobby events in one transaction. Replayed events
// are ignored.
func (s *Store) InsertLobbyEvents(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, ev := range batch {
			var player *uuid.UUID
			if ev.PlayerID != uuid.Nil {
				player = &ev.PlayerID
			}
			ids := ev.PlayerIDs
			if ids == nil {
				ids = []uuid.UUID{}
			}
			b.Queue(`
				INSERT INTO lobby_events (lobby_id, version, reason, state, player_id, player_ids, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (lobby_id, version, reason) DO NOTHING`,
				ev.LobbyID, ev.Version, ev.Reason, string(ev.State), player, ids,
				time.UnixMilli(ev.Timestamp).UTC(),
			)
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("insert lobby events: %w", err)
		}
		return nil
	})
}
