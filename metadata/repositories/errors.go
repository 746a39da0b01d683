// Package repositories wraps GORM access to the metadata store behind
// narrow, per-entity interfaces, in the shape of the teacher's repository
// layer: sentinel ErrNotFound wrapping gorm.ErrRecordNotFound, and manual
// loading of any relation that would require GORM to resolve a foreign key
// against a uuid.UUID primary key.
package repositories

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is wrapped into the error a Get returns when the row does
// not exist (match it with errors.Is); updates do not report a missing row.
var ErrNotFound = errors.New("repositories: not found")

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func wrapf(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("repositories: %s: %w", op, wrapNotFound(err))
}
