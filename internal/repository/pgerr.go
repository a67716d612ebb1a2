package repository

import (
	"errors"

	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Postgres SQLSTATE codes the coordinators care about. Constraints are the
// final arbiter for the publication singleton and event dedupe, so unique
// violations must surface as typed conflicts, not opaque internals.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgQueryCanceled    = "57014"
)

// translatePgError maps store-level failures onto the application error
// taxonomy. Anything unrecognized is wrapped as internal.
func translatePgError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return appErr.Wrap(err, appErr.CodeNotFound, msg)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return appErr.Wrap(err, appErr.CodeConflict, msg).WithMeta("constraint", pgErr.ConstraintName)
		case pgLockNotAvailable, pgQueryCanceled:
			return appErr.Wrap(err, appErr.CodeLockTimeout, msg)
		}
	}
	return appErr.Wrap(err, appErr.CodeInternal, msg)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, optionally restricted to a named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
