/**
 * @description
 * This file contains the Redis-backed velocity reader the risk engine
 * consults for trailing-window activity. The 24h window is served from
 * Redis counters incremented on every created transaction, so evaluation
 * does not scan the transactions table on the hot path; the 30d window is
 * read from the database, where a month of counters would be wasteful to
 * mirror.
 *
 * The counters are keyed per user per hour bucket, and a read sums the
 * trailing 24 buckets, so the window slides with at most an hour of
 * granularity rather than resetting at an arbitrary arming time. When
 * Redis is unavailable, reads fall back to the database aggregate so the
 * risk engine keeps scoring on authoritative data.
 */

package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/flowpay/transaction-core/internal/risk"
	"github.com/flowpay/transaction-core/internal/store"
)

// velocityRecordScript bumps the hour bucket's count and amount counters in
// one round trip and refreshes the bucket expiry.
var velocityRecordScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
redis.call("INCRBYFLOAT", KEYS[2], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return count
`)

const (
	velocityWindow24h = 24 * time.Hour

	// Buckets outlive the window by one hour so the oldest bucket is
	// still readable while it is partially inside the trailing 24h.
	velocityBucketTTL = velocityWindow24h + time.Hour
)

// RedisVelocityReader serves velocity stats from Redis counters with a
// database fallback. It also records created transactions into the
// counters; the zero client is tolerated and routes everything to the
// database.
type RedisVelocityReader struct {
	client redis.UniversalClient
	repo   store.Repository
	prefix string
}

func NewRedisVelocityReader(client redis.UniversalClient, repo store.Repository, prefix string) *RedisVelocityReader {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "flowpay:velocity"
	}
	return &RedisVelocityReader{client: client, repo: repo, prefix: trimmed}
}

// bucketKeys returns the count and sum keys for the hour bucket containing t.
func (r *RedisVelocityReader) bucketKeys(userID uuid.UUID, t time.Time) (string, string) {
	bucket := t.UTC().Truncate(time.Hour).Unix()
	return fmt.Sprintf("%s:%s:count:%d", r.prefix, userID, bucket),
		fmt.Sprintf("%s:%s:sum:%d", r.prefix, userID, bucket)
}

// Record adds one created transaction to the fast counters. Failures are
// returned for logging only; the database aggregate remains correct either
// way.
func (r *RedisVelocityReader) Record(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	if r == nil || r.client == nil {
		return nil
	}
	countKey, sumKey := r.bucketKeys(userID, time.Now())
	_, err := velocityRecordScript.Run(ctx, r.client, []string{countKey, sumKey}, amount.String(), velocityBucketTTL.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("record velocity: %w", err)
	}
	return nil
}

// VelocityStats reads both trailing windows. The 24h leg prefers the Redis
// counters and falls back to the database; the 30d leg always reads the
// database.
func (r *RedisVelocityReader) VelocityStats(ctx context.Context, userID uuid.UUID) (risk.VelocityStats, error) {
	var stats risk.VelocityStats

	count24h, sum24h, err := r.read24h(ctx, userID)
	if err != nil {
		return risk.VelocityStats{}, err
	}
	stats.Count24h = count24h
	stats.Sum24h = sum24h

	now := time.Now().UTC()
	count30d, sum30d, err := r.repo.VelocityWindow(ctx, userID, now.Add(-30*24*time.Hour))
	if err != nil {
		return risk.VelocityStats{}, fmt.Errorf("30d velocity window: %w", err)
	}
	stats.Count30d = count30d
	stats.Sum30d = sum30d
	return stats, nil
}

func (r *RedisVelocityReader) read24h(ctx context.Context, userID uuid.UUID) (int, decimal.Decimal, error) {
	now := time.Now().UTC()
	if r.client != nil {
		// One MGET over the trailing 24 hour buckets, count and sum keys
		// interleaved per bucket.
		keys := make([]string, 0, 48)
		for i := 0; i < 24; i++ {
			countKey, sumKey := r.bucketKeys(userID, now.Add(-time.Duration(i)*time.Hour))
			keys = append(keys, countKey, sumKey)
		}
		values, err := r.client.MGet(ctx, keys...).Result()
		if err == nil && len(values) == len(keys) {
			count, sum, parseErr := sumBucketValues(values)
			if parseErr == nil {
				return count, sum, nil
			}
		}
		if ctx.Err() != nil {
			return 0, decimal.Zero, ctx.Err()
		}
		// Fall through to the database on any Redis trouble.
	}

	count, sum, err := r.repo.VelocityWindow(ctx, userID, now.Add(-velocityWindow24h))
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("24h velocity window: %w", err)
	}
	return count, sum, nil
}

// sumBucketValues folds an interleaved count/sum MGET result into window
// totals. Missing buckets come back nil and count as zero.
func sumBucketValues(values []interface{}) (int, decimal.Decimal, error) {
	count := 0
	sum := decimal.Zero

	for i := 0; i+1 < len(values); i += 2 {
		if values[i] != nil {
			raw, ok := values[i].(string)
			if !ok {
				return 0, decimal.Zero, fmt.Errorf("unexpected count type %T", values[i])
			}
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				return 0, decimal.Zero, fmt.Errorf("parse count: %w", err)
			}
			count += parsed
		}
		if values[i+1] != nil {
			raw, ok := values[i+1].(string)
			if !ok {
				return 0, decimal.Zero, fmt.Errorf("unexpected sum type %T", values[i+1])
			}
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				return 0, decimal.Zero, fmt.Errorf("parse sum: %w", err)
			}
			sum = sum.Add(parsed)
		}
	}

	return count, sum, nil
}
