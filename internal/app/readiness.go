package app

import (
	"context"
	"fmt"
	"time"
)

// Pinger is anything that can verify its connection, e.g. *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildDBCheck returns the readiness probe for the database.
func BuildDBCheck(pool Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db pool not configured")
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			return fmt.Errorf("db ping: %w", err)
		}
		return nil
	}
}
