package authkitpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/soundsouls/soundsouls-auth/internal/authkit"
)

// PostgresSessionStore persists sessions in the user_sessions table.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresSessionStore constructs a Postgres-backed session store.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the live session stored under sessionID.
func (store *PostgresSessionStore) Get(ctx context.Context, sessionID string) (*authkit.Session, error) {
	var payload []byte
	row := store.pool.QueryRow(ctx, `
SELECT sess
FROM user_sessions
WHERE sid = $1 AND expire > $2
`, sessionID, store.now())
	if scanErr := row.Scan(&payload); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, authkit.ErrSessionNotFound
		}
		return nil, fmt.Errorf("session_store.pg.get: %w", scanErr)
	}
	var session authkit.Session
	if decodeErr := json.Unmarshal(payload, &session); decodeErr != nil {
		return nil, fmt.Errorf("session_store.pg.decode: %w", decodeErr)
	}
	return &session, nil
}

// Save upserts the session with an expiry ttl from now.
func (store *PostgresSessionStore) Save(ctx context.Context, session *authkit.Session, ttl time.Duration) error {
	payload, encodeErr := json.Marshal(session)
	if encodeErr != nil {
		return fmt.Errorf("session_store.pg.encode: %w", encodeErr)
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO user_sessions (sid, sess, expire)
VALUES ($1, $2, $3)
ON CONFLICT (sid) DO UPDATE SET sess = EXCLUDED.sess, expire = EXCLUDED.expire
`, session.ID, payload, store.now().Add(ttl))
	if execErr != nil {
		return fmt.Errorf("session_store.pg.save: %w", execErr)
	}
	return nil
}

// Destroy deletes the session row. Missing rows are not an error.
func (store *PostgresSessionStore) Destroy(ctx context.Context, sessionID string) error {
	if _, execErr := store.pool.Exec(ctx, `DELETE FROM user_sessions WHERE sid = $1`, sessionID); execErr != nil {
		return fmt.Errorf("session_store.pg.destroy: %w", execErr)
	}
	return nil
}

// PurgeExpired deletes expired rows and reports how many were removed.
func (store *PostgresSessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, execErr := store.pool.Exec(ctx, `DELETE FROM user_sessions WHERE expire <= $1`, store.now())
	if execErr != nil {
		return 0, fmt.Errorf("session_store.pg.purge: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// RunPurger calls PurgeExpired every interval until ctx is cancelled.
func (store *PostgresSessionStore) RunPurger(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("session purge failed", zap.String("code", "session_store.pg.purge_failed"), zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("expired sessions purged", zap.Int64("removed", removed))
			}
		}
	}
}
