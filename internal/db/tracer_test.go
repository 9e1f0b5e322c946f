package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestCompactSQL(t *testing.T) {
	sql := `
		SELECT id
		FROM appointments
		WHERE clinic_id = $1
	`
	assert.Equal(t, "SELECT id FROM appointments WHERE clinic_id = $1", compactSQL(sql))
}

func TestQueryLogger_StartCarriesStatement(t *testing.T) {
	q := queryLogger{slow: time.Nanosecond}

	ctx := q.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	assert.True(t, ok)
	assert.Equal(t, "SELECT 1", start.sql)

	assert.NotPanics(t, func() {
		q.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})
	})
}

func TestQueryLogger_EndWithoutStartIsNoop(t *testing.T) {
	q := queryLogger{slow: SlowQueryThreshold}
	assert.NotPanics(t, func() {
		q.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{Err: pgx.ErrNoRows})
	})
}
