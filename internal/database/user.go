package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/jason-s-yu/matchmaker/internal/store"
)

// CreateUser inserts a guest user. A zero ID is replaced with a fresh one.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("failed to generate user id: %w", err)
		}
		user.ID = id
	}

	q := `INSERT INTO users (id, username, avatar_ref, rating, multiplayer_games, is_ephemeral)
	      VALUES ($1, $2, $3, $4, $5, true)`

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, execErr := tx.Exec(ctx, q,
			user.ID, user.DisplayName, user.AvatarRef, user.Rating, user.MultiplayerGameCount,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUserByID loads the roster fields of a user. Accepted friendships in either direction
// count towards FriendCount.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	q := `
	SELECT u.id, u.username, u.avatar_ref, u.rating, u.multiplayer_games,
	       (SELECT count(*) FROM friends f
	         WHERE (f.user1_id = u.id OR f.user2_id = u.id) AND f.status = 'accepted')
	FROM users u
	WHERE u.id = $1
	`
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&u.ID, &u.DisplayName, &u.AvatarRef, &u.Rating, &u.MultiplayerGameCount, &u.FriendCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	return &u, nil
}
