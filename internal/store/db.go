package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"ClusterBank/internal/model"
)

// Options configures Open.
type Options struct {
	Driver      string // sqlite or postgres
	DSN         string
	AutoMigrate bool
	// ConflictRetries bounds how often InTx re-runs a transaction after a conflict.
	ConflictRetries uint
}

// SQLStore implements Store on database/sql through sqlx.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
	retries uint
	log     zerolog.Logger

	// initial conflict backoff, shortened in tests
	backoffInitial time.Duration
}

// Open connects to the database, checks the schema version and applies
// migrations when AutoMigrate is set.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch opts.Driver {
	case "sqlite":
		db, err = openSQLite(opts.DSN)
	case "postgres":
		db, err = openPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrate(ctx, db, opts.Driver, opts.AutoMigrate, log); err != nil {
		db.Close()
		return nil, err
	}

	retries := opts.ConflictRetries
	if retries == 0 {
		retries = 5
	}
	log.Info().Str("driver", opts.Driver).Msg("ledger store opened")
	return &SQLStore{
		db:             db,
		dialect:        opts.Driver,
		retries:        retries,
		log:            log,
		backoffInitial: 50 * time.Millisecond,
	}, nil
}

func openSQLite(dsn string) (*sqlx.DB, error) {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; WAL readers from other processes are unaffected.
	sdb.SetMaxOpenConns(1)
	return sqlx.NewDb(sdb, "sqlite3"), nil
}

func openPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	sdb, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sdb.SetMaxOpenConns(16)
	sdb.SetConnMaxIdleTime(5 * time.Minute)
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return sqlx.NewDb(sdb, "pgx"), nil
}

// InTx runs fn in a transaction, serialized per account and retried on conflict.
func (s *SQLStore) InTx(ctx context.Context, account string, fn func(Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.backoffInitial
	b.MaxInterval = 20 * s.backoffInitial

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.runTx(ctx, account, false, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, ErrPersistenceConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		s.log.Warn().Err(err).Str("account", account).Int("attempt", attempt).Msg("transaction conflict, retrying")
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.retries))
	return err
}

// View runs fn in a read-only transaction.
func (s *SQLStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.runTx(ctx, "", true, fn)
}

func (s *SQLStore) runTx(ctx context.Context, account string, readOnly bool, fn func(Tx) error) (err error) {
	opts := &sql.TxOptions{ReadOnly: readOnly && s.dialect == "postgres"}
	if s.dialect == "postgres" && !readOnly {
		opts.Isolation = sql.LevelSerializable
	}

	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return mapError(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				err = fmt.Errorf("%w (rollback: %v)", err, rerr)
			}
		}
	}()

	if account != "" && s.dialect == "postgres" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, account); err != nil {
			return mapError(fmt.Errorf("lock account %s: %w", account, err))
		}
	}

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ListAccounts returns every account name in the ledger.
func (s *SQLStore) ListAccounts(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `SELECT name FROM accounts ORDER BY name`); err != nil {
		return nil, mapError(fmt.Errorf("list accounts: %w", err))
	}
	return names, nil
}

// ListLocked returns the accounts currently locked in the ledger.
func (s *SQLStore) ListLocked(ctx context.Context) ([]model.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT name, locked, created_at FROM accounts WHERE locked = ? ORDER BY name`), true); err != nil {
		return nil, mapError(fmt.Errorf("list locked accounts: %w", err))
	}
	out := make([]model.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
