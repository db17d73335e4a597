package kv

import "errors"

// ErrNotFound is returned by Get/PopTail/HGet when the key or field is
// absent. Callers translate this into their own NotFound semantics
// rather than treating it as a store failure.
var ErrNotFound = errors.New("kv: not found")
