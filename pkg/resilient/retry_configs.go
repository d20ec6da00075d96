package resilient

import (
	"time"

	"github.com/quantumzero/marketdb/pkg/retry"
)

// readRetryConfig is the default retry strategy for read operations.
var readRetryConfig = retry.BackoffConfig{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     3 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "db_read",
}

// writeRetryConfig is the default retry strategy for write operations.
var writeRetryConfig = retry.BackoffConfig{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      2, // Writes are less safe to retry automatically
	OperationName:   "db_write",
}

// txRetryConfig is the default retry strategy for whole managed
// transactions. Each attempt runs the caller's function against a fresh
// transaction, so serialization conflicts get a little more room.
var txRetryConfig = retry.BackoffConfig{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2.0,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "db_transaction",
}
