package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// mapError maps driver errors to the store's sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%w: %v", ErrPersistenceConflict, err)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrAccountNotFound, pgErr.Detail)
		case pgerrcode.CheckViolation:
			return fmt.Errorf("check constraint violation: %s: %w", pgErr.ConstraintName, err)
		default:
			return fmt.Errorf("postgres error [%s]: %s: %w", pgErr.Code, pgErr.Message, err)
		}
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrPersistenceConflict, err)
		}
		if sqErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return fmt.Errorf("%w: %v", ErrAccountNotFound, err)
		}
	}

	return err
}
