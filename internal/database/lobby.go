package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
)

// Store is the PostgreSQL backend. Conditional writes are single statements guarded by
// version columns; creation is serialized per filter class with advisory locks.
type Store struct {
	pool *pgxpool.Pool
	Now  func() time.Time
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.UserStore = (*Store)(nil)
)

// NewStore returns a Store using pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, Now: time.Now}
}

const lobbyColumns = `
	id, owner_id, name, game_version, platform, allow_cross_play,
	map_preset, map_size, game_mode, score_limit, time_limit,
	disabled_tribes, bots, max_players, state, version, created_at, modified_at`

func scanLobby(row pgx.Row) (*models.Lobby, error) {
	var (
		l                  models.Lobby
		platform, state    string
		preset, size, mode int
		disabledTribes     []models.Tribe
		bots               []models.BotDifficulty
	)
	err := row.Scan(
		&l.ID, &l.OwnerID, &l.Name, &l.GameVersion, &platform, &l.AllowCrossPlay,
		&preset, &size, &mode, &l.Settings.ScoreLimit, &l.Settings.TimeLimit,
		&disabledTribes, &bots, &l.MaxPlayers, &state, &l.Version, &l.CreatedAt, &l.ModifiedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Platform = models.Platform(platform)
	l.State = models.LobbyState(state)
	l.Settings.MapPreset = models.MapPreset(preset)
	l.Settings.MapSize = models.MapSize(size)
	l.Settings.GameMode = models.GameMode(mode)
	l.Settings.DisabledTribes = disabledTribes
	l.Settings.Bots = bots
	return &l, nil
}

// loadLobby reads a lobby and its participants. With forUpdate the lobby row stays locked
// until the surrounding transaction ends.
func loadLobby(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*models.Lobby, error) {
	sql := `SELECT ` + lobbyColumns + ` FROM lobbies WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	l, err := scanLobby(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT player_id, invitation_state, selected_tribe, selected_tribe_skin, joined_at
		FROM lobby_participants
		WHERE lobby_id = $1
		ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p     models.Participant
			state string
			tribe *int
			skin  *int
		)
		if err := rows.Scan(&p.PlayerID, &state, &tribe, &skin, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.InvitationState = models.InvitationState(state)
		if tribe != nil {
			t := models.Tribe(*tribe)
			p.SelectedTribe = &t
		}
		p.SelectedTribeSkin = skin
		l.Participants = append(l.Participants, p)
	}
	return l, rows.Err()
}

func insertLobby(ctx context.Context, tx pgx.Tx, l *models.Lobby) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO lobbies (`+lobbyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		l.ID, l.OwnerID, l.Name, l.GameVersion, string(l.Platform), l.AllowCrossPlay,
		int(l.Settings.MapPreset), int(l.Settings.MapSize), int(l.Settings.GameMode),
		l.Settings.ScoreLimit, l.Settings.TimeLimit,
		jsonList(l.Settings.DisabledTribes), jsonList(l.Settings.Bots),
		l.MaxPlayers, string(l.State), l.Version, l.CreatedAt, l.ModifiedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("lobby %s: %w", l.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert lobby: %w", err)
	}
	return writeParticipants(ctx, tx, l)
}

// writeParticipants replaces the roster rows of l.
func writeParticipants(ctx context.Context, tx pgx.Tx, l *models.Lobby) error {
	if _, err := tx.Exec(ctx, `DELETE FROM lobby_participants WHERE lobby_id = $1`, l.ID); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for i, p := range l.Participants {
		if err := insertParticipant(ctx, tx, l.ID, i, p); err != nil {
			return err
		}
	}
	return nil
}

func insertParticipant(ctx context.Context, tx pgx.Tx, lobbyID uuid.UUID, position int, p models.Participant) error {
	var tribe *int
	if p.SelectedTribe != nil {
		t := int(*p.SelectedTribe)
		tribe = &t
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO lobby_participants
			(lobby_id, player_id, position, invitation_state, selected_tribe, selected_tribe_skin, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		lobbyID, p.PlayerID, position, string(p.InvitationState), tribe, p.SelectedTribeSkin, p.JoinedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyMember
	}
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

// jsonList keeps nil slices from being stored as JSON null.
func jsonList[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// GetLobby implements store.LobbyStore.
func (s *Store) GetLobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error) {
	return loadLobby(ctx, s.pool, id, false)
}

// CreateLobby implements store.LobbyStore.
func (s *Store) CreateLobby(ctx context.Context, l *models.Lobby) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return insertLobby(ctx, tx, l)
	})
}

// UpdateLobby implements store.LobbyStore.
func (s *Store) UpdateLobby(ctx context.Context, l *models.Lobby, _ string) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockTicketOf(ctx, tx, l.ID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE lobbies
			SET name = $3, platform = $4, allow_cross_play = $5,
			    map_preset = $6, map_size = $7, game_mode = $8, score_limit = $9, time_limit = $10,
			    disabled_tribes = $11, bots = $12, max_players = $13, state = $14,
			    version = version + 1, modified_at = $15
			WHERE id = $1 AND version = $2`,
			l.ID, l.Version, l.Name, string(l.Platform), l.AllowCrossPlay,
			int(l.Settings.MapPreset), int(l.Settings.MapSize), int(l.Settings.GameMode),
			l.Settings.ScoreLimit, l.Settings.TimeLimit,
			jsonList(l.Settings.DisabledTribes), jsonList(l.Settings.Bots),
			l.MaxPlayers, string(l.State), l.ModifiedAt,
		)
		if err != nil {
			return fmt.Errorf("update lobby: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lobbies WHERE id = $1)`, l.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return store.ErrNotFound
			}
			return fmt.Errorf("lobby %s moved past version %d: %w", l.ID, l.Version, store.ErrConflict)
		}

		if err := writeParticipants(ctx, tx, l); err != nil {
			return err
		}
		if !lobby.IsMatchable(l) {
			if _, err := tx.Exec(ctx, `DELETE FROM matchmaking_tickets WHERE lobby_id = $1`, l.ID); err != nil {
				return fmt.Errorf("drop ticket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return raceLost(err)
	}
	l.Version++
	return nil
}

// DeleteLobby implements store.LobbyStore.
func (s *Store) DeleteLobby(ctx context.Context, id uuid.UUID) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockTicketOf(ctx, tx, id); err != nil {
			return err
		}
		var state string
		err := tx.QueryRow(ctx, `SELECT state FROM lobbies WHERE id = $1 FOR UPDATE`, id).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if models.LobbyState(state) != models.LobbyClosed {
			if _, err := tx.Exec(ctx, `
				UPDATE lobbies SET state = $2, version = version + 1, modified_at = $3 WHERE id = $1`,
				id, string(models.LobbyClosed), s.Now().UTC()); err != nil {
				return fmt.Errorf("close lobby: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM matchmaking_tickets WHERE lobby_id = $1`, id); err != nil {
			return fmt.Errorf("drop ticket: %w", err)
		}
		return nil
	})
	return raceLost(err)
}

// ListLobbiesByParticipant implements store.LobbyStore.
func (s *Store) ListLobbiesByParticipant(ctx context.Context, playerID uuid.UUID) ([]*models.Lobby, error) {
	return lobbiesOf(ctx, s.pool, playerID)
}

func lobbiesOf(ctx context.Context, q querier, playerID uuid.UUID) ([]*models.Lobby, error) {
	rows, err := q.Query(ctx, `SELECT lobby_id FROM lobby_participants WHERE player_id = $1`, playerID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect memberships: %w", err)
	}

	out := make([]*models.Lobby, 0, len(ids))
	for _, id := range ids {
		l, err := loadLobby(ctx, q, id, false)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
