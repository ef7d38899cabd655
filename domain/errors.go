package domain

import "errors"

// ErrConcurrencyConflict indicates that the underlying storage rejected a
// status write because a newer version of the participation is already
// persisted.
var ErrConcurrencyConflict = errors.New("concurrency conflict")
