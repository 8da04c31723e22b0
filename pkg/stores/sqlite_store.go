package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/checkpoint"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var errNotOpen = errors.New("sqlite store is not open")

// SQLiteStore is the audit trail and checkpoint store for one database
// file. It satisfies audit.Store, audit.Reader and checkpoint.Store.
type SQLiteStore struct {
	cfg Config
	db  *sql.DB
}

// Config describes the database file and its connection pool.
type Config struct {
	Path string

	// MaxOpenConns defaults to 1: SQLite has a single writer, and an
	// in-memory database lives only on the connection that created it.
	MaxOpenConns int
	MaxIdleConns int

	// ConnMaxLifetime of zero never recycles a connection.
	ConnMaxLifetime time.Duration
}

// pragmas are applied by the modernc driver on every new connection.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

func (c Config) dsn() string {
	q := url.Values{"_txlock": {"immediate"}}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + c.Path + "?" + q.Encode()
}

// NewSQLiteStore returns an unopened store; call Init and Migrate, or use
// Open to do all three.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	cfg.MaxOpenConns = max(cfg.MaxOpenConns, 1)
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Open returns a store on path with the schema migrated to the latest
// version.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the connection pool and checks the database is reachable.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.cfg.dsn())
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded migrations. Running it on an up-to-date
// database is a no-op.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errNotOpen
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	target, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", s.cfg.Path, err)
	}
	return nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotOpen
	}
	return s.db.PingContext(ctx)
}

// DeleteRun removes a run and everything recorded for it. Audit tables
// cascade from runs; checkpoints are deleted explicitly.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run %s: %w", runID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("delete run %s: %w", runID, err)
		} else if n == 0 {
			return fmt.Errorf("delete run %s: %w", runID, audit.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete checkpoints of %s: %w", runID, err)
		}
		return nil
	})
}

// withTx runs fn in one transaction. With a single pooled connection fn
// must not touch s.db, or it will wait on itself.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var (
	_ audit.Store      = (*SQLiteStore)(nil)
	_ audit.Reader     = (*SQLiteStore)(nil)
	_ checkpoint.Store = (*SQLiteStore)(nil)
)
