package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	kindCheckpoint = "checkpoint"
	kindBaseline   = "baseline"

	// SQLiteFileName is the database file created inside the state directory.
	SQLiteFileName = "pulse-cloudstack.db"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps every namespace's state as JSON payload rows in one database.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	namespace string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path, namespace string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, internalerrors.WrapPersistenceError("open_store", namespace, fmt.Errorf("create state directory: %w", err))
	}

	// Pragmas go in the DSN so every pool connection is configured
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(FULL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, internalerrors.WrapPersistenceError("open_store", namespace, fmt.Errorf("open state database: %w", err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{db: db, path: path, namespace: namespace}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, internalerrors.WrapPersistenceError("open_store", namespace, err)
	}

	log.Debug().Str("path", path).Str("namespace", namespace).Msg("State database initialized")
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS state (
			namespace TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, kind)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Namespace() string { return s.namespace }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) load(ctx context.Context, kind string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM state WHERE namespace = ? AND kind = ?`,
		s.namespace, kind,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

// save upserts one record in a transaction so a crash keeps the previous row.
func (s *SQLiteStore) save(ctx context.Context, kind string, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state (namespace, kind, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, kind) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, s.namespace, kind, string(payload), time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	data, err := s.load(ctx, kindCheckpoint)
	if err != nil {
		return nil, internalerrors.WrapPersistenceError("load_checkpoint", s.namespace, err)
	}
	if data == nil {
		return nil, nil
	}
	var cp Checkpoint
	if err := decodeState(data, &cp); err != nil {
		return nil, internalerrors.WrapPersistenceError("load_checkpoint", s.namespace, fmt.Errorf("decode checkpoint: %w", err))
	}
	if len(cp.Events) == 0 {
		return nil, nil
	}
	return &cp, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return internalerrors.WrapPersistenceError("save_checkpoint", s.namespace, errors.New("checkpoint is required"))
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return internalerrors.WrapPersistenceError("save_checkpoint", s.namespace, fmt.Errorf("encode checkpoint: %w", err))
	}
	if err := s.save(ctx, kindCheckpoint, data); err != nil {
		return internalerrors.WrapPersistenceError("save_checkpoint", s.namespace, err)
	}
	return nil
}

func (s *SQLiteStore) LoadBaseline(ctx context.Context) (Baseline, error) {
	data, err := s.load(ctx, kindBaseline)
	if err != nil {
		return nil, internalerrors.WrapPersistenceError("load_baseline", s.namespace, err)
	}
	b := Baseline{}
	if data == nil {
		return b, nil
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, internalerrors.WrapPersistenceError("load_baseline", s.namespace, fmt.Errorf("decode baseline: %w", err))
	}
	if b == nil {
		b = Baseline{}
	}
	return b, nil
}

func (s *SQLiteStore) SaveBaseline(ctx context.Context, b Baseline) error {
	data, err := json.Marshal(b.Clone())
	if err != nil {
		return internalerrors.WrapPersistenceError("save_baseline", s.namespace, fmt.Errorf("encode baseline: %w", err))
	}
	if err := s.save(ctx, kindBaseline, data); err != nil {
		return internalerrors.WrapPersistenceError("save_baseline", s.namespace, err)
	}
	return nil
}
