package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campuscast/internal/models"
)

// PostgresConfig tunes the pgx connection pool backing the session store.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	AppName         string
}

type postgresStore struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS broadcast_sessions (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    scheduled_at TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    revision     BIGINT NOT NULL,
    payload      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS broadcast_sessions_status_idx
    ON broadcast_sessions (status, scheduled_at);
`

// NewPostgresStore opens a Postgres-backed session repository and applies the
// schema migration before returning.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthInterval
	}
	if appName := strings.TrimSpace(cfg.AppName); appName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &postgresStore{pool: pool, acquireTimeout: cfg.AcquireTimeout}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sessionsSchema); err != nil {
		return fmt.Errorf("apply session schema: %w", err)
	}
	return nil
}

func (s *postgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.acquireTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.acquireTimeout)
}

func (s *postgresStore) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	session.Revision = 1
	payload, err := json.Marshal(session)
	if err != nil {
		return models.Session{}, fmt.Errorf("encode session: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO broadcast_sessions (id, status, scheduled_at, created_at, updated_at, revision, payload)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, string(session.Status), session.ScheduledAt, session.CreatedAt, session.UpdatedAt, session.Revision, payload)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Session{}, ErrSessionExists
		}
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (s *postgresStore) GetSession(ctx context.Context, id string) (models.Session, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM broadcast_sessions WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, false, nil
		}
		return models.Session{}, false, fmt.Errorf("load session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return models.Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return session, true, nil
}

func (s *postgresStore) UpdateSession(ctx context.Context, session models.Session) (models.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	previous := session.Revision
	session.Revision++
	session.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(session)
	if err != nil {
		return models.Session{}, fmt.Errorf("encode session: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE broadcast_sessions
            SET status = $2, scheduled_at = $3, updated_at = $4, revision = $5, payload = $6
          WHERE id = $1 AND revision = $7`,
		session.ID, string(session.Status), session.ScheduledAt, session.UpdatedAt, session.Revision, payload, previous)
	if err != nil {
		return models.Session{}, fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, ok, getErr := s.GetSession(ctx, session.ID); getErr == nil && !ok {
			return models.Session{}, fmt.Errorf("session %s not found", session.ID)
		}
		return models.Session{}, ErrRevisionConflict
	}
	return session, nil
}

func (s *postgresStore) ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT payload FROM broadcast_sessions ORDER BY created_at, id`
	args := []any{}
	if status != "" {
		query = `SELECT payload FROM broadcast_sessions WHERE status = $1 ORDER BY created_at, id`
		args = append(args, string(status))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var session models.Session
		if err := json.Unmarshal(payload, &session); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *postgresStore) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func isUniqueViolation(err error) bool {
	// 23505 is the Postgres unique_violation class.
	return err != nil && strings.Contains(err.Error(), "23505")
}

var _ Repository = (*postgresStore)(nil)
