package session

import (
	"context"
	"log/slog"
	"time"
)

// Store is implemented by RedisStore and SQLStore.
type Store interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type TokenTable interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	PurgeRevokedTokens(ctx context.Context, now time.Time) (int64, error)
}

// SQLStore keeps revocations in the relational store when Redis is not
// configured.
type SQLStore struct {
	table TokenTable
}

func NewSQLStore(table TokenTable) *SQLStore {
	return &SQLStore{table: table}
}

func (s *SQLStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if !expiresAt.After(time.Now()) {
		return nil
	}
	return s.table.RevokeToken(ctx, jti, expiresAt)
}

func (s *SQLStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return s.table.IsTokenRevoked(ctx, jti)
}

// Sweep deletes expired revocations every interval until ctx is done.
func (s *SQLStore) Sweep(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := s.table.PurgeRevokedTokens(ctx, now)
			if err != nil {
				logger.Warn("purge revoked tokens failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged revoked tokens", "count", n)
			}
		}
	}
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*SQLStore)(nil)
)
