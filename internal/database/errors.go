package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

var (
	// ErrConstraint is a uniqueness, foreign-key or whitelist violation. It
	// points at a modelling bug and is never retried.
	ErrConstraint = errors.New("entitlement store constraint violation")

	// ErrStoreUnavailable is a lost connection or timeout; callers may retry.
	ErrStoreUnavailable = errors.New("entitlement store unavailable")

	ErrEntitlementNotFound = errors.New("entitlement not found")
)

// classifyError maps driver errors onto the store's error kinds.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConstraint) || errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrEntitlementNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrEntitlementNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity_constraint_violation
			return fmt.Errorf("%w: %w", ErrConstraint, err)
		case strings.HasPrefix(pgErr.Code, "08"), // connection_exception
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03", // admin/crash shutdown, cannot connect now
			pgErr.Code == "53300": // too_many_connections
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %w", ErrConstraint, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return err
}
