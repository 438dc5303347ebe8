package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

const sqliteIdentitySchema = `
CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	commitment TEXT NOT NULL,
	salt BLOB NOT NULL,
	locked INTEGER NOT NULL DEFAULT 0,
	role TEXT NOT NULL DEFAULT '',
	last_login TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
`

const postgresIdentitySchema = `
CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	commitment TEXT NOT NULL,
	salt BYTEA NOT NULL,
	locked BOOLEAN NOT NULL DEFAULT FALSE,
	role TEXT NOT NULL DEFAULT '',
	last_login TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
`

// SQLStore keeps identity records in a relational table.
type SQLStore struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database and ensures the table exists.
func NewSQLStore(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch driver {
	case "postgres", "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported identity database driver: %s", driver)
	}
	if driver == "sqlite" {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping identity database: %w", err)
	}

	s := &SQLStore{
		logger: logger.Named("identity.sql"),
		db:     db,
		driver: driver,
	}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize identity schema: %w", err)
	}

	s.logger.Info("Identity store ready", zap.String("driver", driver))
	return s, nil
}

func (s *SQLStore) initializeSchema(ctx context.Context) error {
	schema := sqliteIdentitySchema
	if s.driver == "postgres" {
		schema = postgresIdentitySchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) Get(ctx context.Context, username string) (*Record, error) {
	query := `SELECT id, username, commitment, salt, locked, role, last_login, created_at
		FROM identities WHERE username = ?`
	if s.driver == "postgres" {
		query = `SELECT id, username, commitment, salt, locked, role, last_login, created_at
			FROM identities WHERE username = $1`
	}

	var (
		record    Record
		lastLogin sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&record.ID,
		&record.Username,
		&record.Commitment,
		&record.Salt,
		&record.Locked,
		&record.Role,
		&lastLogin,
		&record.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity %q: %w", username, err)
	}
	if lastLogin.Valid {
		record.LastLogin = lastLogin.Time
	}
	return &record, nil
}

func (s *SQLStore) Set(ctx context.Context, record *Record) error {
	if record == nil || record.Username == "" {
		return errors.New("record must carry a username")
	}

	query := `INSERT INTO identities (id, username, commitment, salt, locked, role, last_login, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			commitment = excluded.commitment,
			salt = excluded.salt,
			locked = excluded.locked,
			role = excluded.role,
			last_login = excluded.last_login`
	if s.driver == "postgres" {
		query = `INSERT INTO identities (id, username, commitment, salt, locked, role, last_login, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT(username) DO UPDATE SET
				commitment = excluded.commitment,
				salt = excluded.salt,
				locked = excluded.locked,
				role = excluded.role,
				last_login = excluded.last_login`
	}

	lastLogin := sql.NullTime{Time: record.LastLogin, Valid: !record.LastLogin.IsZero()}
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Username,
		record.Commitment,
		record.Salt,
		record.Locked,
		record.Role,
		lastLogin,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store identity %q: %w", record.Username, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
