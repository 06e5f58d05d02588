// Package sqlite keeps the referral collection in memory and snapshots each
// referral to a single SQLite table as a JSON blob.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/cleftcare/referralhub/internal/domain/referral"
)

var _ referral.Repository = (*Store)(nil)

// Store serves reads from memory and writes every accepted change to
// SQLite before applying it in memory.
type Store struct {
	mem    *referral.MemoryStore
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewStore opens path, creating it if needed, and loads the snapshot.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		path = "referrals.db"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS referrals (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create referrals table: %w", err)
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT payload FROM referrals ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("select referrals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []referral.Referral
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var r referral.Referral
		if err := json.Unmarshal(payload, &r); err != nil {
			return fmt.Errorf("decode referral: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.mem = referral.NewMemoryStore(refs...)
	s.logger.Info("sqlite snapshot loaded", zap.String("path", s.path), zap.Int("referrals", len(refs)))
	return nil
}

// Import stores referrals that are not yet present, in order. It is used
// to seed an empty database.
func (s *Store) Import(ctx context.Context, refs []referral.Referral) (int, error) {
	n := 0
	for _, r := range refs {
		err := s.Create(ctx, r, nil)
		if errors.Is(err, referral.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, id string) (referral.Referral, error) {
	return s.mem.Get(ctx, id)
}

func (s *Store) List(ctx context.Context) ([]referral.Referral, error) {
	return s.mem.List(ctx)
}

func (s *Store) Create(ctx context.Context, r referral.Referral, event *referral.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mem.Get(ctx, r.ID); err == nil {
		return referral.ErrAlreadyExists
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode referral: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO referrals(id, status, payload) VALUES(?, ?, ?)`,
		r.ID, string(r.Status), payload); err != nil {
		return fmt.Errorf("insert %s: %w", r.ID, err)
	}
	return s.mem.Create(ctx, r, event)
}

func (s *Store) Update(ctx context.Context, expected referral.Status, r referral.Referral, event *referral.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.mem.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if cur.Status != expected {
		return referral.ErrConflict
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode referral: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE referrals SET status = ?, payload = ? WHERE id = ? AND status = ?`,
		string(r.Status), payload, r.ID, string(expected))
	if err != nil {
		return fmt.Errorf("update %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return referral.ErrConflict
	}
	return s.mem.Update(ctx, expected, r, event)
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
