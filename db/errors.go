package db

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for database operations
var (
	// ErrPoolExhausted indicates that no connection could be acquired
	// before the acquire timeout elapsed.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnectionLost indicates that an established connection failed
	// mid-operation.
	ErrConnectionLost = errors.New("database connection lost")

	// ErrTransactionConflict indicates that a transaction failed due to
	// serialization or deadlock conflicts after exhausting its retry budget.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrTxFinished indicates an operation on a transaction that has
	// already been committed or rolled back.
	ErrTxFinished = errors.New("transaction already finished")

	// ErrTxNested indicates an attempt to begin a transaction inside an
	// already-active managed transaction.
	ErrTxNested = errors.New("transaction already in progress")

	// ErrMigrationChecksumMismatch indicates that an applied migration
	// script no longer matches its recorded checksum. This is fatal: the
	// schema history has been tampered with or the scripts diverged.
	ErrMigrationChecksumMismatch = errors.New("migration checksum mismatch")

	// ErrMigrationFailed indicates that a migration script failed and was
	// rolled back.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrBackupIntegrity indicates that a backup artifact failed checksum
	// or row-count verification.
	ErrBackupIntegrity = errors.New("backup integrity check failed")

	// ErrConfiguration indicates invalid configuration detected at
	// construction time. Always fatal.
	ErrConfiguration = errors.New("invalid configuration")
)

// PostgreSQL error codes that indicate a transient condition worth retrying.
const (
	pgErrSerializationFailure  = "40001"
	pgErrDeadlockDetected      = "40P01"
	pgErrTooManyConnections    = "53300"
	pgErrClassConnectionPrefix = "08" // connection exception class
)

// IsTransient reports whether err represents a transient failure that a
// retry on a healthy connection may resolve. Structural errors (constraint
// violations, syntax errors, checksum mismatches) are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTransactionConflict) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrSerializationFailure, pgErrDeadlockDetected, pgErrTooManyConnections:
			return true
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgErrClassConnectionPrefix {
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	return false
}

// IsSerializationConflict reports whether err is a serialization failure or
// deadlock, i.e. the transaction as a whole should be re-run.
func IsSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected
	}
	return errors.Is(err, ErrTransactionConflict)
}

// classifyAcquireError maps a pool acquire failure to the error taxonomy.
// A deadline hit while waiting for a connection means the pool was
// exhausted, not that the database is down.
func classifyAcquireError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrPoolExhausted, err)
	}
	return err
}
