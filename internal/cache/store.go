package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
	"github.com/redis/go-redis/v9"
)

// Store keeps lobbies, tickets and users in Redis. Conditional writes use WATCH on the
// keys they read and commit with MULTI/EXEC, so several server processes can share it.
type Store struct {
	rdb *redis.Client
	Now func() time.Time
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.UserStore = (*Store)(nil)
)

// NewStore returns a Store backed by rdb.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, Now: time.Now}
}

// watch runs fn under WATCH on keys, translating an aborted EXEC into store.ErrConflict.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	err := s.rdb.Watch(ctx, fn, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("watched keys changed: %w", store.ErrConflict)
	}
	return err
}

func getJSON[T any](ctx context.Context, c redis.Cmdable, key string) (*T, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

func mgetJSON[T any](ctx context.Context, c redis.Cmdable, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("MGET: %w", err)
	}
	out := make([]*T, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(str), &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, &item)
	}
	return out, nil
}

func setJSON(ctx context.Context, pipe redis.Pipeliner, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	pipe.Set(ctx, key, data, 0)
	return nil
}

// putLobby queues the lobby record and its participant index entries.
func putLobby(ctx context.Context, pipe redis.Pipeliner, l *models.Lobby) error {
	if err := setJSON(ctx, pipe, lobbyKey(l.ID), l); err != nil {
		return err
	}
	for _, id := range l.PlayerIDs() {
		pipe.SAdd(ctx, playerKey(id), l.ID.String())
	}
	return nil
}

func dropTicket(ctx context.Context, pipe redis.Pipeliner, t *models.MatchmakingTicket) {
	pipe.Del(ctx, ticketKey(t.ID), lobbyTicketKey(t.LobbyID))
	pipe.SRem(ctx, poolKey(t.Criteria.GameVersion, t.Criteria.TimeLimit), t.ID.String())
}

// ticketOf loads the ticket owned by lobbyID, or nil.
func ticketOf(ctx context.Context, c redis.Cmdable, lobbyID uuid.UUID) (*models.MatchmakingTicket, error) {
	id, err := c.Get(ctx, lobbyTicketKey(lobbyID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", lobbyTicketKey(lobbyID), err)
	}
	t, err := getJSON[models.MatchmakingTicket](ctx, c, "mm:ticket:"+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// GetLobby implements store.LobbyStore.
func (s *Store) GetLobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error) {
	return getJSON[models.Lobby](ctx, s.rdb, lobbyKey(id))
}

// CreateLobby implements store.LobbyStore.
func (s *Store) CreateLobby(ctx context.Context, l *models.Lobby) error {
	key := lobbyKey(l.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("lobby %s: %w", l.ID, store.ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return putLobby(ctx, pipe, l)
		})
		return err
	}, key)
}

// UpdateLobby implements store.LobbyStore.
func (s *Store) UpdateLobby(ctx context.Context, l *models.Lobby, _ string) error {
	key := lobbyKey(l.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		current, err := getJSON[models.Lobby](ctx, tx, key)
		if err != nil {
			return err
		}
		if current.Version != l.Version {
			return fmt.Errorf("lobby %s at version %d, have %d: %w", l.ID, current.Version, l.Version, store.ErrConflict)
		}
		t, err := ticketOf(ctx, tx, l.ID)
		if err != nil {
			return err
		}

		next := l.Clone()
		next.Version++
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if t != nil && !lobby.IsMatchable(next) {
				dropTicket(ctx, pipe, t)
			}
			return putLobby(ctx, pipe, next)
		})
		if err != nil {
			return err
		}
		l.Version = next.Version
		return nil
	}, key, lobbyTicketKey(l.ID))
}

// DeleteLobby implements store.LobbyStore.
func (s *Store) DeleteLobby(ctx context.Context, id uuid.UUID) error {
	key := lobbyKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		l, err := getJSON[models.Lobby](ctx, tx, key)
		if err != nil {
			return err
		}
		t, err := ticketOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if l.State != models.LobbyClosed {
			if err := lobby.Transition(l, models.LobbyClosed, s.Now()); err != nil {
				return err
			}
			l.Version++
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if t != nil {
				dropTicket(ctx, pipe, t)
			}
			return setJSON(ctx, pipe, key, l)
		})
		return err
	}, key, lobbyTicketKey(id))
}

// ListLobbiesByParticipant implements store.LobbyStore.
func (s *Store) ListLobbiesByParticipant(ctx context.Context, playerID uuid.UUID) ([]*models.Lobby, error) {
	return lobbiesOf(ctx, s.rdb, playerID)
}

func lobbiesOf(ctx context.Context, c redis.Cmdable, playerID uuid.UUID) ([]*models.Lobby, error) {
	ids, err := c.SMembers(ctx, playerKey(playerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("SMEMBERS %s: %w", playerKey(playerID), err)
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, "mm:lobby:"+id)
	}
	return mgetJSON[models.Lobby](ctx, c, keys)
}

// QueryCandidates implements store.TicketIndex.
func (s *Store) QueryCandidates(ctx context.Context, filter models.Filter, playerID uuid.UUID) ([]*models.MatchmakingTicket, error) {
	return candidates(ctx, s.rdb, filter, playerID)
}

func candidates(ctx context.Context, c redis.Cmdable, filter models.Filter, playerID uuid.UUID) ([]*models.MatchmakingTicket, error) {
	pool := poolKey(filter.GameVersion, filter.TimeLimit)
	ids, err := c.SMembers(ctx, pool).Result()
	if err != nil {
		return nil, fmt.Errorf("SMEMBERS %s: %w", pool, err)
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, "mm:ticket:"+id)
	}
	tickets, err := mgetJSON[models.MatchmakingTicket](ctx, c, keys)
	if err != nil {
		return nil, err
	}
	out := tickets[:0]
	for _, t := range tickets {
		if t.IsFull() || t.HasPlayer(playerID) || !filter.MatchesTicket(t) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CreateQueuedLobby implements store.TicketIndex. It watches the pool set and the owner's
// membership set: a ticket opening or filling, or the owner being enrolled elsewhere,
// aborts the create.
func (s *Store) CreateQueuedLobby(ctx context.Context, l *models.Lobby, t *models.MatchmakingTicket, guard models.Filter) error {
	pool := poolKey(t.Criteria.GameVersion, t.Criteria.TimeLimit)
	keys := []string{pool, playerKey(l.OwnerID)}
	if guardPool := poolKey(guard.GameVersion, guard.TimeLimit); guardPool != pool {
		keys = append(keys, guardPool)
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
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

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := putLobby(ctx, pipe, l); err != nil {
				return err
			}
			if err := setJSON(ctx, pipe, ticketKey(t.ID), t); err != nil {
				return err
			}
			pipe.Set(ctx, lobbyTicketKey(l.ID), t.ID.String(), 0)
			pipe.SAdd(ctx, pool, t.ID.String())
			return nil
		})
		return err
	}, keys...)
}

// AppendPlayer implements store.TicketIndex.
func (s *Store) AppendPlayer(ctx context.Context, ticketID uuid.UUID, p models.Participant, expectedVersion int64) (*models.Lobby, error) {
	var joined *models.Lobby
	err := s.watch(ctx, func(tx *redis.Tx) error {
		t, err := getJSON[models.MatchmakingTicket](ctx, tx, ticketKey(ticketID))
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("ticket %s gone: %w", ticketID, store.ErrConflict)
		}
		if err != nil {
			return err
		}
		if t.HasPlayer(p.PlayerID) {
			return store.ErrAlreadyMember
		}
		if t.Version != expectedVersion || t.IsFull() {
			return fmt.Errorf("ticket %s at version %d, expected %d: %w", ticketID, t.Version, expectedVersion, store.ErrConflict)
		}

		if err := tx.Watch(ctx, lobbyKey(t.LobbyID)).Err(); err != nil {
			return err
		}
		l, err := getJSON[models.Lobby](ctx, tx, lobbyKey(t.LobbyID))
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
		l.Version++

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if full {
				dropTicket(ctx, pipe, t)
			} else {
				t.PlayerIDs = append(t.PlayerIDs, p.PlayerID)
				t.Version++
				if err := setJSON(ctx, pipe, ticketKey(t.ID), t); err != nil {
					return err
				}
			}
			return putLobby(ctx, pipe, l)
		})
		if err != nil {
			return err
		}
		joined = l
		return nil
	}, ticketKey(ticketID), playerKey(p.PlayerID))
	if err != nil {
		return nil, err
	}
	return joined, nil
}

// DeleteTicket implements store.TicketIndex.
func (s *Store) DeleteTicket(ctx context.Context, id uuid.UUID) error {
	key := ticketKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		t, err := getJSON[models.MatchmakingTicket](ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			dropTicket(ctx, pipe, t)
			return nil
		})
		return err
	}, key)
}

// CreateUser stores u, replacing any previous record. A zero ID is replaced with a fresh one.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.rdb.Set(ctx, userKey(u.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("SET %s: %w", userKey(u.ID), err)
	}
	return nil
}

// GetUserByID returns store.ErrNotFound when the user is unknown.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return getJSON[models.User](ctx, s.rdb, userKey(id))
}
