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
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// KafkaPinger is the minimal broker client surface needed for readiness.
type KafkaPinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the db, redis, and broker readiness checks.
// A nil dependency yields a nil check, which the readyz handler reports as
// skipped rather than failing.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, broker KafkaPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	var dbCheck, redisCheck, kafkaCheck func(ctx context.Context) error
	if pool != nil {
		dbCheck = func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}
			return nil
		}
	}
	if rdb != nil {
		redisCheck = func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			return nil
		}
	}
	if broker != nil {
		kafkaCheck = func(ctx context.Context) error {
			if err := broker.Ping(ctx); err != nil {
				return fmt.Errorf("broker ping: %w", err)
			}
			return nil
		}
	}
	return dbCheck, redisCheck, kafkaCheck
}
