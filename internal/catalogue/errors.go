package catalogue

import (
	"strings"

	"github.com/xtxerr/relay/internal/errors"
)

var (
	ErrNotFound      = errors.ErrNotFound
	ErrDuplicatePath = errors.ErrDuplicatePath
	ErrAlreadyExists = errors.ErrAlreadyExists

	// Entity-specific aliases
	ErrSourceNotFound    = errors.ErrSourceNotFound
	ErrAggregateNotFound = errors.ErrAggregateNotFound
	ErrAlreadyExamined   = errors.ErrAlreadyExamined
)

// isConstraintViolation reports whether an error is a unique or primary
// key violation. DuckDB surfaces these as plain error strings.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "primary key")
}
