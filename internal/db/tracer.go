package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-queue/internal/observability"
)

// SlowQueryThreshold is the duration above which a statement is logged
// at warn level.
const SlowQueryThreshold = 200 * time.Millisecond

type queryStartKey struct{}

type queryStart struct {
	sql string
	at  time.Time
}

// queryLogger logs failed and slow statements through the request logger.
type queryLogger struct {
	slow time.Duration
}

func (q queryLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, at: time.Now()})
}

func (q queryLogger) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	elapsed := time.Since(start.at)

	logger := observability.LoggerFromContext(ctx)
	switch {
	case data.Err != nil && data.Err != pgx.ErrNoRows:
		logger.Debug().
			Err(data.Err).
			Str("sql", compactSQL(start.sql)).
			Dur("duration", elapsed).
			Msg("postgres query failed")
	case elapsed > q.slow:
		logger.Warn().
			Str("sql", compactSQL(start.sql)).
			Dur("duration", elapsed).
			Int64("rows", data.CommandTag.RowsAffected()).
			Msg("slow postgres query")
	}
}

func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
