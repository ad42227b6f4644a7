package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a conditional update matched no row because the
	// record's status moved underneath the caller.
	ErrConflict = errors.New("repository: conflicting state")
	// ErrDuplicate indicates an insert violated a uniqueness guarantee.
	ErrDuplicate = errors.New("repository: duplicate record")
)
