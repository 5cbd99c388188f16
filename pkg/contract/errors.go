package contract

import "errors"

// ErrZeroCapacity is returned by New when Config.Capacity is 0.
// Configuration errors are rejected at construction time,
// never surfaced as hot-path status codes.
var ErrZeroCapacity = errors.New("contract: pool capacity must be > 0")
