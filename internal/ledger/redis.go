package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const (
	// Day and month sets outlive their window so late readers still see them.
	daySetGrace   = 48 * time.Hour
	monthSetGrace = 31 * 24 * time.Hour

	DefaultKeyPrefix = "awg_exporter"
	DefaultRetention = 400 * 24 * time.Hour
)

// recordSeenScript updates one peer atomically on the server.
//
// KEYS: peer hash, day set, month set.
// ARGV: peer id, now, day start, month start, day ttl, month ttl, record ttl
// (times in unix seconds, ttls in seconds).
var recordSeenScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen') or '0')
if now > last then
  redis.call('HSET', KEYS[1], 'last_seen', ARGV[2])
end
local today = tonumber(redis.call('HGET', KEYS[1], 'first_seen_today') or '0')
if today < tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[1], 'first_seen_today', ARGV[2])
end
local month = tonumber(redis.call('HGET', KEYS[1], 'first_seen_month') or '0')
if month < tonumber(ARGV[4]) then
  redis.call('HSET', KEYS[1], 'first_seen_month', ARGV[2])
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('EXPIRE', KEYS[3], ARGV[6])
redis.call('EXPIRE', KEYS[1], ARGV[7])
return 1
`)

// RedisOptions configures the Redis connection and key layout.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Retention is how long a peer record is kept after its last update.
	Retention time.Duration
}

// RedisLedger stores activity in Redis. Every peer has a hash with its
// timestamps; distinct-peer counts come from one set per UTC day and month.
type RedisLedger struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisClient builds a client for opts. The connection is established lazily.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func NewRedisLedger(client redis.UniversalClient, opts RedisOptions) *RedisLedger {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisLedger{client: client, prefix: prefix, retention: retention}
}

// WaitReady pings Redis with exponential backoff until it answers, maxWait
// elapses or ctx is done.
func WaitReady(ctx context.Context, client redis.UniversalClient, maxWait time.Duration, logger *slog.Logger) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = maxWait
	eb.MaxInterval = 5 * time.Second

	err := backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(eb, ctx), func(err error, next time.Duration) {
		logger.Warn("ledger: redis not ready, retrying", "err", err, "retry_in", next)
	})
	if err != nil {
		return fmt.Errorf("ledger: connecting to redis: %w: %w", ErrLedgerUnreachable, err)
	}
	return nil
}

func (l *RedisLedger) peerKey(peerID string) string { return l.prefix + ":peer:" + peerID }
func (l *RedisLedger) dayKey(now time.Time) string  { return l.prefix + ":dau:" + DayKey(now) }
func (l *RedisLedger) monthKey(now time.Time) string {
	return l.prefix + ":mau:" + MonthKey(now)
}

func (l *RedisLedger) RecordSeen(ctx context.Context, peerID string, now time.Time) error {
	now = now.UTC()
	dayTTL := NextDay(now).Sub(now) + daySetGrace
	monthTTL := NextMonth(now).Sub(now) + monthSetGrace

	keys := []string{l.peerKey(peerID), l.dayKey(now), l.monthKey(now)}
	err := recordSeenScript.Run(ctx, l.client, keys,
		peerID,
		now.Unix(),
		StartOfDay(now).Unix(),
		StartOfMonth(now).Unix(),
		int64(dayTTL/time.Second),
		int64(monthTTL/time.Second),
		int64(l.retention/time.Second),
	).Err()
	if err != nil {
		return fmt.Errorf("ledger: record seen %s: %w: %w", peerID, ErrLedgerUnreachable, err)
	}
	return nil
}

func (l *RedisLedger) CountToday(ctx context.Context, now time.Time) (int, error) {
	n, err := l.client.SCard(ctx, l.dayKey(now)).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: count today: %w: %w", ErrLedgerUnreachable, err)
	}
	return int(n), nil
}

func (l *RedisLedger) CountThisMonth(ctx context.Context, now time.Time) (int, error) {
	n, err := l.client.SCard(ctx, l.monthKey(now)).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: count this month: %w: %w", ErrLedgerUnreachable, err)
	}
	return int(n), nil
}

func (l *RedisLedger) Lookup(ctx context.Context, peerID string) (ActivityRecord, bool, error) {
	fields, err := l.client.HGetAll(ctx, l.peerKey(peerID)).Result()
	if err != nil {
		return ActivityRecord{}, false, fmt.Errorf("ledger: lookup %s: %w: %w", peerID, ErrLedgerUnreachable, err)
	}
	if len(fields) == 0 {
		return ActivityRecord{}, false, nil
	}
	return ActivityRecord{
		PeerID:             peerID,
		LastSeenAt:         unixField(fields["last_seen"]),
		FirstSeenToday:     unixField(fields["first_seen_today"]),
		FirstSeenThisMonth: unixField(fields["first_seen_month"]),
	}, true, nil
}

// Close releases the underlying connection pool.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func unixField(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
