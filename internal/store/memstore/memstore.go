// Package memstore is an in-process backend built on go-memdb. Write transactions are
// serialized by memdb, and every conditional check runs inside the write transaction, so
// the store gives the same guarantees as the shared backends within a single process.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/jason-s-yu/matchmaker/internal/lobby"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
)

const (
	tableLobby  = "lobby"
	tableTicket = "ticket"
	tableUser   = "user"
)

type lobbyRecord struct {
	ID        string
	PlayerIDs []string
	Lobby     *models.Lobby
}

type ticketRecord struct {
	ID      string
	LobbyID string
	Ticket  *models.MatchmakingTicket
}

type userRecord struct {
	ID   string
	User *models.User
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableLobby: {
			Name: tableLobby,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"player": {
					Name:         "player",
					AllowMissing: true,
					Indexer:      &memdb.StringSliceFieldIndex{Field: "PlayerIDs"},
				},
			},
		},
		tableTicket: {
			Name: tableTicket,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"lobby": {
					Name:    "lobby",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "LobbyID"},
				},
			},
		},
		tableUser: {
			Name: tableUser,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
	},
}

// Store keeps lobbies, tickets and users in memory.
type Store struct {
	db  *memdb.MemDB
	Now func() time.Time
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.UserStore = (*Store)(nil)
)

// New creates an empty store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("memstore: create db: %w", err)
	}
	return &Store{db: db, Now: time.Now}, nil
}

func newLobbyRecord(l *models.Lobby) *lobbyRecord {
	ids := make([]string, 0, len(l.Participants))
	for _, p := range l.Participants {
		ids = append(ids, p.PlayerID.String())
	}
	return &lobbyRecord{ID: l.ID.String(), PlayerIDs: ids, Lobby: l.Clone()}
}

func newTicketRecord(t *models.MatchmakingTicket) *ticketRecord {
	return &ticketRecord{ID: t.ID.String(), LobbyID: t.LobbyID.String(), Ticket: t.Clone()}
}

func getLobby(txn *memdb.Txn, id uuid.UUID) (*models.Lobby, error) {
	raw, err := txn.First(tableLobby, "id", id.String())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	return raw.(*lobbyRecord).Lobby.Clone(), nil
}

func getTicket(txn *memdb.Txn, index string, id uuid.UUID) (*models.MatchmakingTicket, error) {
	raw, err := txn.First(tableTicket, index, id.String())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	return raw.(*ticketRecord).Ticket.Clone(), nil
}

// dropTicketOf removes the ticket owned by lobbyID, if any.
func dropTicketOf(txn *memdb.Txn, lobbyID uuid.UUID) error {
	_, err := txn.DeleteAll(tableTicket, "lobby", lobbyID.String())
	return err
}

// GetLobby implements store.LobbyStore.
func (s *Store) GetLobby(_ context.Context, id uuid.UUID) (*models.Lobby, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getLobby(txn, id)
}

// CreateLobby implements store.LobbyStore.
func (s *Store) CreateLobby(_ context.Context, l *models.Lobby) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := getLobby(txn, l.ID); err == nil {
		return fmt.Errorf("lobby %s: %w", l.ID, store.ErrConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := txn.Insert(tableLobby, newLobbyRecord(l)); err != nil {
		return fmt.Errorf("memstore: insert lobby: %w", err)
	}
	txn.Commit()
	return nil
}

// UpdateLobby implements store.LobbyStore.
func (s *Store) UpdateLobby(_ context.Context, l *models.Lobby, _ string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := getLobby(txn, l.ID)
	if err != nil {
		return err
	}
	if current.Version != l.Version {
		return fmt.Errorf("lobby %s at version %d, have %d: %w", l.ID, current.Version, l.Version, store.ErrConflict)
	}
	l.Version++
	if !lobby.IsMatchable(l) {
		if err := dropTicketOf(txn, l.ID); err != nil {
			return err
		}
	}
	if err := txn.Insert(tableLobby, newLobbyRecord(l)); err != nil {
		l.Version--
		return fmt.Errorf("memstore: update lobby: %w", err)
	}
	txn.Commit()
	return nil
}

// DeleteLobby implements store.LobbyStore.
func (s *Store) DeleteLobby(_ context.Context, id uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	l, err := getLobby(txn, id)
	if err != nil {
		return err
	}
	if l.State != models.LobbyClosed {
		if err := lobby.Transition(l, models.LobbyClosed, s.Now()); err != nil {
			return err
		}
		l.Version++
	}
	if err := dropTicketOf(txn, id); err != nil {
		return err
	}
	if err := txn.Insert(tableLobby, newLobbyRecord(l)); err != nil {
		return fmt.Errorf("memstore: close lobby: %w", err)
	}
	txn.Commit()
	return nil
}

// ListLobbiesByParticipant implements store.LobbyStore.
func (s *Store) ListLobbiesByParticipant(_ context.Context, playerID uuid.UUID) ([]*models.Lobby, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableLobby, "player", playerID.String())
	if err != nil {
		return nil, err
	}
	var out []*models.Lobby
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*lobbyRecord).Lobby.Clone())
	}
	return out, nil
}

// QueryCandidates implements store.TicketIndex.
func (s *Store) QueryCandidates(_ context.Context, filter models.Filter, playerID uuid.UUID) ([]*models.MatchmakingTicket, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return candidates(txn, filter, playerID)
}

func candidates(txn *memdb.Txn, filter models.Filter, playerID uuid.UUID) ([]*models.MatchmakingTicket, error) {
	it, err := txn.Get(tableTicket, "id")
	if err != nil {
		return nil, err
	}
	var out []*models.MatchmakingTicket
	for raw := it.Next(); raw != nil; raw = it.Next() {
		t := raw.(*ticketRecord).Ticket
		if t.IsFull() || t.HasPlayer(playerID) || !filter.MatchesTicket(t) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// waitingIn reports whether playerID already holds a slot in a queued lobby matching filter.
func waitingIn(txn *memdb.Txn, filter models.Filter, playerID uuid.UUID, now time.Time) (bool, error) {
	it, err := txn.Get(tableLobby, "player", playerID.String())
	if err != nil {
		return false, err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		l := raw.(*lobbyRecord).Lobby
		if !lobby.HoldsMembers(l, now) {
			continue
		}
		if filter.Matches(l.Criteria(), l.MaxPlayers) {
			return true, nil
		}
	}
	return false, nil
}

// CreateQueuedLobby implements store.TicketIndex.
func (s *Store) CreateQueuedLobby(_ context.Context, l *models.Lobby, t *models.MatchmakingTicket, guard models.Filter) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	open, err := candidates(txn, guard, l.OwnerID)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return fmt.Errorf("%d compatible tickets opened meanwhile: %w", len(open), store.ErrConflict)
	}
	waiting, err := waitingIn(txn, guard, l.OwnerID, s.Now())
	if err != nil {
		return err
	}
	if waiting {
		return fmt.Errorf("owner %s already queued: %w", l.OwnerID, store.ErrConflict)
	}
	if err := txn.Insert(tableLobby, newLobbyRecord(l)); err != nil {
		return fmt.Errorf("memstore: insert lobby: %w", err)
	}
	if err := txn.Insert(tableTicket, newTicketRecord(t)); err != nil {
		return fmt.Errorf("memstore: insert ticket: %w", err)
	}
	txn.Commit()
	return nil
}

// AppendPlayer implements store.TicketIndex.
func (s *Store) AppendPlayer(_ context.Context, ticketID uuid.UUID, p models.Participant, expectedVersion int64) (*models.Lobby, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	t, err := getTicket(txn, "id", ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ticket %s gone: %w", ticketID, store.ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	if t.HasPlayer(p.PlayerID) {
		return nil, store.ErrAlreadyMember
	}
	if t.Version != expectedVersion || t.IsFull() {
		return nil, fmt.Errorf("ticket %s at version %d, expected %d: %w", ticketID, t.Version, expectedVersion, store.ErrConflict)
	}

	l, err := getLobby(txn, t.LobbyID)
	if err != nil {
		return nil, err
	}
	full, err := lobby.Enroll(l, p, s.Now())
	switch {
	case errors.Is(err, lobby.ErrAlreadyEnrolled):
		return nil, store.ErrAlreadyMember
	case errors.Is(err, lobby.ErrLobbyFull):
		return nil, store.ErrConflict
	case err != nil:
		return nil, err
	}
	l.Version++

	if full {
		if err := dropTicketOf(txn, l.ID); err != nil {
			return nil, err
		}
	} else {
		t.PlayerIDs = append(t.PlayerIDs, p.PlayerID)
		t.Version++
		if err := txn.Insert(tableTicket, newTicketRecord(t)); err != nil {
			return nil, fmt.Errorf("memstore: update ticket: %w", err)
		}
	}
	if err := txn.Insert(tableLobby, newLobbyRecord(l)); err != nil {
		return nil, fmt.Errorf("memstore: update lobby: %w", err)
	}
	txn.Commit()
	return l, nil
}

// DeleteTicket implements store.TicketIndex.
func (s *Store) DeleteTicket(_ context.Context, id uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	n, err := txn.DeleteAll(tableTicket, "id", id.String())
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	txn.Commit()
	return nil
}

// PutUser inserts or replaces a user record.
func (s *Store) PutUser(u *models.User) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	c := *u
	if err := txn.Insert(tableUser, &userRecord{ID: u.ID.String(), User: &c}); err != nil {
		return fmt.Errorf("memstore: insert user: %w", err)
	}
	txn.Commit()
	return nil
}

// CreateUser implements store.UserStore. A zero ID is replaced with a fresh one.
func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return s.PutUser(u)
}

// GetUserByID returns store.ErrNotFound when the user is unknown.
func (s *Store) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableUser, "id", id.String())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	u := *raw.(*userRecord).User
	return &u, nil
}
