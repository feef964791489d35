// internal/cache/redis.go
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect opens a Redis client and verifies it with a PING.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func lobbyKey(id fmt.Stringer) string       { return "mm:lobby:" + id.String() }
func ticketKey(id fmt.Stringer) string      { return "mm:ticket:" + id.String() }
func lobbyTicketKey(id fmt.Stringer) string { return "mm:lobbyticket:" + id.String() }
func playerKey(id fmt.Stringer) string      { return "mm:player:" + id.String() }
func userKey(id fmt.Stringer) string        { return "mm:user:" + id.String() }

// poolKey names the set of open tickets sharing a game version and time limit, the two
// dimensions every filter matches exactly.
func poolKey(gameVersion string, timeLimit int) string {
	return fmt.Sprintf("mm:pool:%s:%d", gameVersion, timeLimit)
}
