package store

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("user already exists")

	// ErrDuplicate reports a second annotation on the same
	// (document, user, start, end) anchor.
	ErrDuplicate = errors.New("duplicate annotation")
)
