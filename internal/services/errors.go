package services

import (
	"errors"

	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// translateLockError maps advisory-lock acquisition failures. A bounded
// lock wait that expires is transient and retryable; anything else is
// internal.
func translateLockError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return appErr.Wrap(err, appErr.CodeLockTimeout, "creation lock wait exceeded bound")
	}
	return appErr.Wrap(err, appErr.CodeInternal, "advisory lock acquisition failed")
}
