package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type testLedger interface {
	Ledger
	RecordReader
}

var (
	oct15 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	oct16 = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	nov01 = time.Date(2026, 11, 1, 0, 0, 5, 0, time.UTC)
)

func newRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(RedisOptions{Addr: mr.Addr()})
	l := NewRedisLedger(client, RedisOptions{KeyPrefix: "test"})
	t.Cleanup(func() { l.Close() })
	return l, mr
}

func backends() map[string]func(t *testing.T) testLedger {
	return map[string]func(t *testing.T) testLedger{
		"memory": func(t *testing.T) testLedger { return NewMemoryLedger() },
		"redis": func(t *testing.T) testLedger {
			l, _ := newRedisLedger(t)
			return l
		},
	}
}

func requireCounts(t *testing.T, l Ledger, now time.Time, wantDAU, wantMAU int) {
	t.Helper()
	ctx := context.Background()
	dau, err := l.CountToday(ctx, now)
	require.NoError(t, err)
	mau, err := l.CountThisMonth(ctx, now)
	require.NoError(t, err)
	require.Equal(t, wantDAU, dau, "dau")
	require.Equal(t, wantMAU, mau, "mau")
}

func TestLedgerContract(t *testing.T) {
	for name, newLedger := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("idempotent within a day", func(t *testing.T) {
				l := newLedger(t)
				ctx := context.Background()
				for i := 0; i < 3; i++ {
					require.NoError(t, l.RecordSeen(ctx, "peer-a", oct15.Add(time.Duration(i)*time.Minute)))
				}
				requireCounts(t, l, oct15, 1, 1)
			})

			t.Run("dau never decreases within a day", func(t *testing.T) {
				l := newLedger(t)
				ctx := context.Background()
				prev := 0
				for i := 0; i < 5; i++ {
					now := oct15.Add(time.Duration(i) * time.Hour)
					require.NoError(t, l.RecordSeen(ctx, fmt.Sprintf("peer-%d", i%3), now))
					dau, err := l.CountToday(ctx, now)
					require.NoError(t, err)
					require.GreaterOrEqual(t, dau, prev)
					prev = dau
				}
				require.Equal(t, 3, prev)
			})

			t.Run("day and month rollover", func(t *testing.T) {
				l := newLedger(t)
				ctx := context.Background()
				require.NoError(t, l.RecordSeen(ctx, "peer-a", oct15))
				require.NoError(t, l.RecordSeen(ctx, "peer-b", oct16))

				requireCounts(t, l, oct15, 1, 2)
				requireCounts(t, l, oct16, 1, 2)
				requireCounts(t, l, nov01, 0, 0)

				require.NoError(t, l.RecordSeen(ctx, "peer-a", nov01))
				requireCounts(t, l, nov01, 1, 1)
			})

			t.Run("markers only move on boundary crossings", func(t *testing.T) {
				l := newLedger(t)
				ctx := context.Background()
				later := oct15.Add(2 * time.Hour)

				require.NoError(t, l.RecordSeen(ctx, "peer-a", later))
				require.NoError(t, l.RecordSeen(ctx, "peer-a", oct15))

				rec, ok, err := l.Lookup(ctx, "peer-a")
				require.NoError(t, err)
				require.True(t, ok)
				require.True(t, rec.LastSeenAt.Equal(later))
				require.True(t, rec.FirstSeenToday.Equal(later))
				require.True(t, rec.FirstSeenThisMonth.Equal(later))

				require.NoError(t, l.RecordSeen(ctx, "peer-a", oct16))
				rec, _, err = l.Lookup(ctx, "peer-a")
				require.NoError(t, err)
				require.True(t, rec.LastSeenAt.Equal(oct16))
				require.True(t, rec.FirstSeenToday.Equal(oct16))
				require.True(t, rec.FirstSeenThisMonth.Equal(later))

				_, ok, err = l.Lookup(ctx, "peer-missing")
				require.NoError(t, err)
				require.False(t, ok)
			})

			t.Run("concurrent writers", func(t *testing.T) {
				l := newLedger(t)
				ctx := context.Background()
				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						if err := l.RecordSeen(ctx, "peer-a", oct15.Add(time.Duration(i)*time.Second)); err != nil {
							t.Errorf("record seen: %v", err)
						}
					}(i)
				}
				wg.Wait()

				requireCounts(t, l, oct15, 1, 1)
				rec, _, err := l.Lookup(ctx, "peer-a")
				require.NoError(t, err)
				require.True(t, rec.LastSeenAt.Equal(oct15.Add(7*time.Second)))
			})
		})
	}
}

func TestRedisLedgerSurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := NewRedisLedger(NewRedisClient(RedisOptions{Addr: mr.Addr()}), RedisOptions{})
	require.NoError(t, first.RecordSeen(ctx, "peer-a", oct15))
	require.NoError(t, first.Close())

	second := NewRedisLedger(NewRedisClient(RedisOptions{Addr: mr.Addr()}), RedisOptions{})
	t.Cleanup(func() { second.Close() })
	requireCounts(t, second, oct15, 1, 1)

	// Seeing the same peer again after the restart must not count it twice.
	require.NoError(t, second.RecordSeen(ctx, "peer-a", oct15.Add(time.Hour)))
	require.NoError(t, second.RecordSeen(ctx, "peer-b", oct15.Add(time.Hour)))
	requireCounts(t, second, oct15, 2, 2)
}

func TestRedisLedgerKeysAndExpiry(t *testing.T) {
	l, mr := newRedisLedger(t)
	ctx := context.Background()
	require.NoError(t, l.RecordSeen(ctx, "peer-a", oct15))

	require.True(t, mr.Exists("test:peer:peer-a"))
	require.True(t, mr.Exists("test:dau:2026-10-15"))
	require.True(t, mr.Exists("test:mau:2026-10"))

	require.Equal(t, DefaultRetention, mr.TTL("test:peer:peer-a"))
	require.Equal(t, 15*time.Hour+daySetGrace, mr.TTL("test:dau:2026-10-15"))

	// Once the day set has expired the day no longer counts, the month still does.
	mr.FastForward(15*time.Hour + daySetGrace + time.Second)
	requireCounts(t, l, oct15, 0, 1)
}

func TestRedisLedgerUnreachable(t *testing.T) {
	l, mr := newRedisLedger(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := l.RecordSeen(ctx, "peer-a", oct15)
	require.ErrorIs(t, err, ErrLedgerUnreachable)

	_, err = l.CountToday(ctx, oct15)
	require.ErrorIs(t, err, ErrLedgerUnreachable)

	_, err = l.CountThisMonth(ctx, oct15)
	require.ErrorIs(t, err, ErrLedgerUnreachable)
}

func TestWaitReady(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)

	client := NewRedisClient(RedisOptions{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, WaitReady(context.Background(), client, time.Second, logger))

	mr.Close()
	err := WaitReady(context.Background(), client, 300*time.Millisecond, logger)
	require.ErrorIs(t, err, ErrLedgerUnreachable)
}
