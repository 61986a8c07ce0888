package stores

import "errors"

var (
	// ErrRedisUnavailable wraps every backend failure returned by the stores.
	ErrRedisUnavailable = errors.New("stores redis unavailable")
	// ErrRecordCorrupt is returned when a stored hash is missing fields.
	ErrRecordCorrupt = errors.New("stores record corrupt")
	// ErrContention is returned when optimistic retries are exhausted.
	ErrContention = errors.New("stores contention retries exhausted")
)

const maxTxRetries = 8
