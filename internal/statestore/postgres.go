package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const (
	postgresStateTableName   = "recon_state"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one row per (store_name, state_key). The version column
// doubles as the etag.
type PostgresStore struct {
	dsn       string
	tableName string
	timeout   time.Duration
	openDB    sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresStateTableName,
		timeout:   postgresOperationTimeout,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Describe() string {
	return "postgres"
}

func (s *PostgresStore) Get(ctx context.Context, storeName, key string) (Entry, error) {
	if err := validateKey(storeName, key); err != nil {
		return Entry{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Entry{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value, version FROM %s WHERE store_name = $1 AND state_key = $2", postgresQuoteIdentifier(s.tableName))
	var (
		payload string
		version int64
	)
	err := s.db.QueryRowContext(ctx, query, storeName, key).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, errors.Wrapf(err, "select %s/%s", storeName, key)
	}
	return Entry{Key: key, Value: []byte(payload), ETag: fmt.Sprintf("%d", version)}, nil
}

func (s *PostgresStore) Set(ctx context.Context, storeName, key string, value []byte, etag string) (string, error) {
	if err := validateKey(storeName, key); err != nil {
		return "", err
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := postgresQuoteIdentifier(s.tableName)
	var version int64
	if etag == "" {
		query := fmt.Sprintf(`
			INSERT INTO %s (store_name, state_key, value, version, updated_at)
			VALUES ($1, $2, $3, 1, NOW())
			ON CONFLICT (store_name, state_key)
			DO UPDATE SET value = EXCLUDED.value, version = %s.version + 1, updated_at = NOW()
			RETURNING version`, table, table)
		if err := s.db.QueryRowContext(ctx, query, storeName, key, string(value)).Scan(&version); err != nil {
			return "", errors.Wrapf(err, "upsert %s/%s", storeName, key)
		}
		return fmt.Sprintf("%d", version), nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET value = $3, version = version + 1, updated_at = NOW()
		WHERE store_name = $1 AND state_key = $2 AND version::text = $4
		RETURNING version`, table)
	err := s.db.QueryRowContext(ctx, query, storeName, key, string(value), etag).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrETagMismatch
	}
	if err != nil {
		return "", errors.Wrapf(err, "conditional update %s/%s", storeName, key)
	}
	return fmt.Sprintf("%d", version), nil
}

func (s *PostgresStore) Delete(ctx context.Context, storeName, key string) error {
	if err := validateKey(storeName, key); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE store_name = $1 AND state_key = $2", postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, storeName, key); err != nil {
		return errors.Wrapf(err, "delete %s/%s", storeName, key)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// ensureReady opens the pool and creates the table on first use. A failed
// bootstrap is not remembered; the next call tries again.
func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			store_name TEXT NOT NULL,
			state_key TEXT NOT NULL,
			value TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (store_name, state_key)
		)`, postgresQuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	s.db = db
	return nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
