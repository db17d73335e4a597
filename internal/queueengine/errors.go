package queueengine

import (
	"errors"

	"github.com/distqueue/distqueue/internal/task"
)

// Error taxonomy (§7). NotFound and IllegalTransition are surfaced to
// the caller. CapacityExceeded and NoRoute are not errors at all: both
// are represented by a (nil, nil) return, observable only via events.
// KVFailure is whatever the kv/registry package already returned,
// propagated unwrapped by this package. SerializationFailure is logged
// at the call site and surfaced to the caller as NotFound.
var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = task.ErrIllegalTransition
)
