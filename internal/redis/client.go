package redisclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-queue/internal/observability"
)

// SlowCommandThreshold is the duration above which a command is logged.
const SlowCommandThreshold = 100 * time.Millisecond

// NewRedisClient connects, installs the command logger and pings. The
// pool is sized for lock polling plus one long-lived pub/sub connection.
func NewRedisClient(ctx context.Context, addr, username, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     username,
		Password:     password,
		DB:           0,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	})
	rdb.AddHook(commandLogger{slow: SlowCommandThreshold})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	return rdb, nil
}

// commandLogger warns on slow commands and failed dials.
type commandLogger struct {
	slow time.Duration
}

func (h commandLogger) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn().Err(err).Str("addr", addr).Msg("redis dial failed")
		}
		return conn, err
	}
}

func (h commandLogger) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		if elapsed := time.Since(start); elapsed > h.slow {
			observability.LoggerFromContext(ctx).Warn().
				Str("command", cmd.Name()).
				Dur("duration", elapsed).
				Msg("slow redis command")
		}
		return err
	}
}

func (h commandLogger) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}
