package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a compare-and-swap update loses the race,
// e.g. leasing a topic that another worker already moved out of queued.
var ErrConflict = errors.New("storage: conflict")
