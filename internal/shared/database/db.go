package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/mrmushfiq/llm0-broker/internal/shared/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS broker_audit_logs (
	id             BIGSERIAL PRIMARY KEY,
	created_at     TIMESTAMPTZ NOT NULL,
	severity       TEXT NOT NULL,
	event          TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	code           TEXT,
	endpoint       TEXT,
	mode           TEXT,
	session_id     TEXT,
	request_id     TEXT,
	client_ip      TEXT,
	processing_ms  BIGINT NOT NULL DEFAULT 0,
	cached         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS broker_audit_logs_created_at_idx ON broker_audit_logs (created_at);
`

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection, for health reporting.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate creates the audit table if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// LogAudit inserts one audit entry
func (db *DB) LogAudit(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO broker_audit_logs (
			created_at, severity, event, outcome, code, endpoint, mode,
			session_id, request_id, client_ip, processing_ms, cached
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.Time,
		log.Severity,
		log.Event,
		log.Outcome,
		log.Code,
		log.Endpoint,
		log.Mode,
		log.SessionID,
		log.RequestID,
		log.ClientIP,
		log.ProcessingMs,
		log.Cached,
	)

	return err
}

// PurgeAuditBefore deletes audit entries older than cutoff and returns how many went.
func (db *DB) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM broker_audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return res.RowsAffected()
}
