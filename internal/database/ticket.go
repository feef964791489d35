package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
)

const ticketColumns = `
	id, lobby_id, game_version, map_size, map_preset, game_mode, score_limit, time_limit,
	platform, allow_cross_play, max_players, player_ids, version, created_at`

func scanTicket(row pgx.CollectableRow) (*models.MatchmakingTicket, error) {
	var (
		t                  models.MatchmakingTicket
		size, preset, mode int
		platform           string
	)
	err := row.Scan(
		&t.ID, &t.LobbyID, &t.Criteria.GameVersion, &size, &preset, &mode,
		&t.Criteria.ScoreLimit, &t.Criteria.TimeLimit, &platform, &t.Criteria.AllowCrossPlay,
		&t.MaxPlayers, &t.PlayerIDs, &t.Version, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Criteria.MapSize = models.MapSize(size)
	t.Criteria.MapPreset = models.MapPreset(preset)
	t.Criteria.GameMode = models.GameMode(mode)
	t.Criteria.Platform = models.Platform(platform)
	return &t, nil
}

func optInt[T ~int](v *T) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

// candidates runs the filter query. Optional dimensions are skipped when their parameter
// is NULL.
func candidates(ctx context.Context, q querier, filter models.Filter, playerID uuid.UUID) ([]*models.MatchmakingTicket, error) {
	rows, err := q.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM matchmaking_tickets
		WHERE game_version = $1
		  AND time_limit = $2
		  AND (platform = $3 OR (allow_cross_play AND $4::boolean))
		  AND ($5::int IS NULL OR map_size = $5)
		  AND ($6::int IS NULL OR map_preset = $6)
		  AND ($7::int IS NULL OR game_mode = $7)
		  AND ($8::int IS NULL OR score_limit = $8)
		  AND ($9::int IS NULL OR max_players = $9 + 1)
		  AND cardinality(player_ids) < max_players
		  AND NOT ($10::uuid = ANY(player_ids))
		ORDER BY cardinality(player_ids) DESC, created_at ASC, id ASC`,
		filter.GameVersion, filter.TimeLimit, string(filter.Platform), filter.AllowCrossPlay,
		optInt(filter.MapSize), optInt(filter.MapPreset), optInt(filter.GameMode),
		filter.ScoreLimit, filter.OpponentCount, playerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	return pgx.CollectRows(rows, scanTicket)
}

// QueryCandidates implements store.TicketIndex.
func (s *Store) QueryCandidates(ctx context.Context, filter models.Filter, playerID uuid.UUID) ([]*models.MatchmakingTicket, error) {
	return candidates(ctx, s.pool, filter, playerID)
}

// CreateQueuedLobby implements store.TicketIndex. Creators of one filter class queue on an
// advisory lock, so the second one sees the first one's ticket and backs off.
func (s *Store) CreateQueuedLobby(ctx context.Context, l *models.Lobby, t *models.MatchmakingTicket, guard models.Filter) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, fmt.Sprintf("pool:%s:%d", guard.GameVersion, guard.TimeLimit)); err != nil {
			return err
		}
		if err := lockKey(ctx, tx, "player:"+l.OwnerID.String()); err != nil {
			return err
		}

		open, err := candidates(ctx, tx, guard, l.OwnerID)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return fmt.Errorf("%d compatible tickets opened meanwhile: %w", len(open), store.ErrConflict)
		}
		mine, err := lobbiesOf(ctx, tx, l.OwnerID)
		if err != nil {
			return err
		}
		for _, existing := range mine {
			if lobby.HoldsMembers(existing, s.Now()) && guard.Matches(existing.Criteria(), existing.MaxPlayers) {
				return fmt.Errorf("owner %s already queued: %w", l.OwnerID, store.ErrConflict)
			}
		}

		if err := insertLobby(ctx, tx, l); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO matchmaking_tickets (`+ticketColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			t.ID, t.LobbyID, t.Criteria.GameVersion, int(t.Criteria.MapSize), int(t.Criteria.MapPreset),
			int(t.Criteria.GameMode), t.Criteria.ScoreLimit, t.Criteria.TimeLimit,
			string(t.Criteria.Platform), t.Criteria.AllowCrossPlay, t.MaxPlayers, t.PlayerIDs,
			t.Version, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		return nil
	})
	return raceLost(err)
}

// AppendPlayer implements store.TicketIndex. The ticket UPDATE is the compare-and-swap: it
// only matches while the version is unchanged, a slot is free and the player is absent.
func (s *Store) AppendPlayer(ctx context.Context, ticketID uuid.UUID, p models.Participant, expectedVersion int64) (*models.Lobby, error) {
	var joined *models.Lobby
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, "player:"+p.PlayerID.String()); err != nil {
			return err
		}

		var lobbyID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE matchmaking_tickets
			SET player_ids = array_append(player_ids, $2::uuid), version = version + 1
			WHERE id = $1
			  AND version = $3
			  AND cardinality(player_ids) < max_players
			  AND NOT ($2::uuid = ANY(player_ids))
			RETURNING lobby_id`,
			ticketID, p.PlayerID, expectedVersion,
		).Scan(&lobbyID)
		if errors.Is(err, pgx.ErrNoRows) {
			return appendMissReason(ctx, tx, ticketID, p.PlayerID)
		}
		if err != nil {
			return fmt.Errorf("append to ticket: %w", err)
		}

		l, err := loadLobby(ctx, tx, lobbyID, true)
		if err != nil {
			return err
		}
		full, err := lobby.Enroll(l, p, s.Now())
		switch {
		case errors.Is(err, lobby.ErrAlreadyEnrolled):
			return store.ErrAlreadyMember
		case errors.Is(err, lobby.ErrLobbyFull):
			return store.ErrConflict
		case err != nil:
			return err
		}

		enrolled := l.Participants[len(l.Participants)-1]
		if err := insertParticipant(ctx, tx, l.ID, len(l.Participants)-1, enrolled); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE lobbies SET state = $2, version = version + 1, modified_at = $3 WHERE id = $1`,
			l.ID, string(l.State), l.ModifiedAt); err != nil {
			return fmt.Errorf("update lobby: %w", err)
		}
		if full {
			if _, err := tx.Exec(ctx, `DELETE FROM matchmaking_tickets WHERE id = $1`, ticketID); err != nil {
				return fmt.Errorf("drop ticket: %w", err)
			}
		}
		l.Version++
		joined = l
		return nil
	})
	if err != nil {
		return nil, raceLost(err)
	}
	return joined, nil
}

// appendMissReason explains why the conditional ticket update matched nothing.
func appendMissReason(ctx context.Context, tx pgx.Tx, ticketID, playerID uuid.UUID) error {
	var member bool
	err := tx.QueryRow(ctx,
		`SELECT $2::uuid = ANY(player_ids) FROM matchmaking_tickets WHERE id = $1`,
		ticketID, playerID,
	).Scan(&member)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ticket %s gone: %w", ticketID, store.ErrConflict)
	}
	if err != nil {
		return err
	}
	if member {
		return store.ErrAlreadyMember
	}
	return fmt.Errorf("ticket %s changed: %w", ticketID, store.ErrConflict)
}

// DeleteTicket implements store.TicketIndex.
func (s *Store) DeleteTicket(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM matchmaking_tickets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
