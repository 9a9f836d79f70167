package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// sqlStateInsufficientPrivilege is raised by PostgreSQL row-level security.
const sqlStateInsufficientPrivilege = "42501"

// IsAccessDenied reports whether err is the store refusing access,
// either as ErrAccessDenied or as a raw SQLSTATE 42501 from either driver.
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccessDenied) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateInsufficientPrivilege
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == sqlStateInsufficientPrivilege
	}
	return strings.Contains(err.Error(), "row-level security policy")
}

// mapError normalises driver errors into the package sentinels.
func mapError(err error) error {
	if err == nil || errors.Is(err, ErrAccessDenied) {
		return err
	}
	if IsAccessDenied(err) {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return err
}
