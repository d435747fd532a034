package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/healthsecure/healthsecure/internal/platform/apperr"
)

const uniqueViolation = "23505"

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Translate maps pgx errors onto apperr kinds: no rows becomes NotFound and
// unique violations become Conflict. Other errors pass through.
func Translate(err error, entity string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.NotFound("%s not found", entity)
	case IsUniqueViolation(err):
		return &apperr.Error{Kind: apperr.KindConflict, Reason: entity + " already exists", Err: err}
	}
	return err
}
