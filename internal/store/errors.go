package store

import "errors"

// ErrNotFound is the sentinel for a missing entity lookup, wrapped with
// %w by callers so the Council/Process Manager error-kind dichotomy
// (spec.md §7, NotFound) can match on it with errors.Is.
var ErrNotFound = errors.New("not found")
