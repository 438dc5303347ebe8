package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

const sqliteEventsSchema = `
CREATE TABLE IF NOT EXISTS security_events (
	id TEXT PRIMARY KEY,
	event_time TIMESTAMP NOT NULL,
	event_type TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	risk_tier TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events(event_time);
CREATE INDEX IF NOT EXISTS idx_security_events_username ON security_events(username);
`

const postgresEventsSchema = `
CREATE TABLE IF NOT EXISTS security_events (
	id TEXT PRIMARY KEY,
	event_time TIMESTAMPTZ NOT NULL,
	event_type TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	risk_tier TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events(event_time);
CREATE INDEX IF NOT EXISTS idx_security_events_username ON security_events(username);
`

// SQLSink appends events to a security_events table.
type SQLSink struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
}

// NewSQLSink opens the database and ensures the table exists.
func NewSQLSink(driver, dsn string, logger *zap.Logger) (*SQLSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch driver {
	case "postgres", "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported audit database driver: %s", driver)
	}
	if driver == "sqlite" {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	s := &SQLSink{
		logger: logger.Named("audit.sql"),
		db:     db,
		driver: driver,
	}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	s.logger.Info("Audit sink ready", zap.String("driver", driver))
	return s, nil
}

func (s *SQLSink) initializeSchema(ctx context.Context) error {
	schema := sqliteEventsSchema
	if s.driver == "postgres" {
		schema = postgresEventsSchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLSink) insertQuery() string {
	if s.driver == "postgres" {
		return `INSERT INTO security_events
			(id, event_time, event_type, username, ip, user_agent, outcome, reason, risk_tier, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	}
	return `INSERT INTO security_events
		(id, event_time, event_type, username, ip, user_agent, outcome, reason, risk_tier, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

// Write appends one event.
func (s *SQLSink) Write(ctx context.Context, event Event) error {
	detail := ""
	if len(event.Detail) > 0 {
		raw, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode event detail: %w", err)
		}
		detail = string(raw)
	}

	_, err := s.db.ExecContext(ctx, s.insertQuery(),
		event.ID,
		event.Time,
		event.Type,
		event.Username,
		event.IP,
		event.UserAgent,
		event.Outcome,
		event.Reason,
		event.RiskTier,
		detail,
	)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Count returns the number of stored events, optionally filtered by
// username. Used by the status endpoint and operator tooling.
func (s *SQLSink) Count(ctx context.Context, username string) (int64, error) {
	var (
		count int64
		err   error
	)
	if username == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_events").Scan(&count)
	} else if s.driver == "postgres" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_events WHERE username = $1", username).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_events WHERE username = ?", username).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}
