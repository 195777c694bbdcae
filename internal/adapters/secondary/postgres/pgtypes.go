package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
)

const foreignKeyViolation = "23503"

// toText converts a string to a pgtype.Text. An empty string is stored as NULL.
func toText(s string) pgtype.Text {
	return pgtype.Text{
		String: s,
		Valid:  s != "",
	}
}

// fromText converts a pgtype.Text to a string. NULL becomes "".
func fromText(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}

// toNullText converts an optional string to a pgtype.Text.
func toNullText(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{
		String: *s,
		Valid:  true,
	}
}

// fromNullText converts a pgtype.Text to an optional string.
func fromNullText(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

// storeError classifies a database error. Constraint and data errors are
// caller bugs and are returned as is; everything else is a transient
// store failure.
func storeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 {
		switch {
		case pgErr.Code == foreignKeyViolation:
			return fmt.Errorf("%s: %w", op, apperrors.ErrTicketNotFound)
		case pgErr.Code[:2] == "22", pgErr.Code[:2] == "23": // data exception, integrity constraint violation
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return apperrors.Unavailable(op, err)
}
