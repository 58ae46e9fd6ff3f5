package bztree

import "errors"

// Sentinel errors returned by the public API (§7).
//
// Insert, Update and Erase report capacity failures, key conflicts and
// missing keys as the named errors below rather than as booleans, so tests
// and callers can distinguish failure kinds.
var (
	// ErrKeyTooLarge is returned when a key/value pair cannot fit in any node,
	// regardless of how empty that node is.
	ErrKeyTooLarge = errors.New("bztree: key/value pair exceeds maximum node capacity")

	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("bztree: key already exists")

	// ErrKeyNotFound is returned by Update/Erase when the key is absent.
	ErrKeyNotFound = errors.New("bztree: key not found")

	// ErrClosed is returned when an operation is attempted on a closed tree.
	ErrClosed = errors.New("bztree: tree is closed")

	// ErrTooManyRetries is returned when an operation exceeds its configured
	// retry budget. spec §5 notes the source retries indefinitely on
	// transient races; this repo supplements that with a generous, but
	// finite, retry cap surfaced as a fatal error (§9 "Design notes").
	ErrTooManyRetries = errors.New("bztree: exceeded retry budget, possible starvation")

	// ErrEpochOverflow is returned on mount if incrementing the persisted
	// global epoch would overflow its 27-bit field (§9 open question).
	ErrEpochOverflow = errors.New("bztree: global epoch would overflow on mount")

	// ErrCorrupt marks an invariant violation detected in persisted state.
	// spec §7 classifies this as fatal: a correct implementation never
	// returns it in normal operation.
	ErrCorrupt = errors.New("bztree: corrupt node or metadata invariant violated")
)
