package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quantumzero/marketdb/logger"
)

// QueryTracer logs every statement with its duration when SQL debug
// logging is enabled. Wired into the pgx connection config, so it covers
// pool queries and transactions alike.
type QueryTracer struct{}

type traceQueryKey struct{}

type traceQueryData struct {
	start time.Time
	sql   string
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceQueryKey{}, &traceQueryData{
		start: time.Now(),
		sql:   data.SQL,
	})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qd, ok := ctx.Value(traceQueryKey{}).(*traceQueryData)
	if !ok {
		return
	}

	elapsed := time.Since(qd.start)
	if data.Err != nil {
		logger.Debug("SQL query failed", "sql", qd.sql, "elapsed", elapsed, "error", data.Err)
		return
	}
	logger.Debug("SQL query", "sql", qd.sql, "elapsed", elapsed, "rows", data.CommandTag.RowsAffected())
}
