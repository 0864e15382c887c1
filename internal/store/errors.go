package store

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrUnavailable   = errors.New("local store unavailable")
	ErrInvalidRecord = errors.New("invalid record")
)
