package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UsePrimaryKey is the context key for the "use_primary" boolean value.
	// It signals to the database layer that a query should be executed on the
	// primary (write) connection pool, bypassing the read replica pool. This
	// is crucial for read-your-writes consistency after a write.
	UsePrimaryKey = ContextKey("use_primary")

	// SkipCacheKey is the context key for the "skip_cache" boolean value.
	// When set, cached read paths bypass the query cache and always hit the
	// database. Used by integrity verification and backup operations.
	SkipCacheKey = ContextKey("skip_cache")
)
