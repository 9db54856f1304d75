package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound covers both unknown and malformed identifiers.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey is returned when a message id is appended twice.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrConflict is returned when a unique user or guild attribute is taken.
	ErrConflict = errors.New("conflict")
)

// isDuplicate recognises unique-constraint violations. TranslateError maps most of
// them to gorm.ErrDuplicatedKey; the string checks cover dialects that do not.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
