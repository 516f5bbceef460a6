package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// SQLSTATE codes raised by the functions in migrations/002_functions.sql.
const (
	codeInsufficient = "KB001"
	codeNotFound     = "KB002"
	codeConflict     = "KB003"
	codeInvalid      = "KB004"

	codeUniqueViolation = "23505"
)

// mapError translates pgx and function errors into domain sentinels and
// wraps the result with op.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		var sentinel error
		switch pgErr.Code {
		case codeInsufficient:
			sentinel = domain.ErrInsufficientFund
		case codeNotFound:
			sentinel = domain.ErrNotFound
		case codeConflict:
			sentinel = domain.ErrConflict
		case codeInvalid:
			sentinel = domain.ErrInvalidInput
		case codeUniqueViolation:
			sentinel = domain.ErrAlreadyExists
		}
		if sentinel != nil {
			return fmt.Errorf("postgres: %s: %w: %s", op, sentinel, pgErr.Message)
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
