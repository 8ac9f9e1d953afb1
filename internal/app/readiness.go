package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BuildReadinessChecks returns the db and redis readiness probes. The redis
// check is nil when no client is configured so the handler skips it entirely.
func BuildReadinessChecks(pool Pinger, rdb RedisClient) (dbCheck, redisCheck func(ctx context.Context) error) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	if rdb != nil {
		redisCheck = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return dbCheck, redisCheck
}
