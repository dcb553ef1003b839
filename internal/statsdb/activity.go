package statsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blikh/awg-exporter/internal/ledger"
)

var _ ledger.Ledger = (*Store)(nil)

// RecordSeen implements ledger.Ledger. The read-modify-write happens inside
// a single upsert, so concurrent writers never lose an update.
func (s *Store) RecordSeen(ctx context.Context, peerID string, now time.Time) error {
	ts := now.UTC().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peer_activity (peer_id, last_seen_unix, first_seen_today_unix, first_seen_month_unix)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET
		   last_seen_unix = MAX(last_seen_unix, excluded.last_seen_unix),
		   first_seen_today_unix = CASE WHEN first_seen_today_unix < ?
		     THEN excluded.first_seen_today_unix ELSE first_seen_today_unix END,
		   first_seen_month_unix = CASE WHEN first_seen_month_unix < ?
		     THEN excluded.first_seen_month_unix ELSE first_seen_month_unix END`,
		peerID, ts, ts, ts,
		ledger.StartOfDay(now).Unix(), ledger.StartOfMonth(now).Unix(),
	)
	if err != nil {
		return fmt.Errorf("statsdb: record seen %s: %w: %w", peerID, ledger.ErrLedgerUnreachable, err)
	}
	return nil
}

func (s *Store) CountToday(ctx context.Context, now time.Time) (int, error) {
	n, err := s.countSeen(ctx, ledger.StartOfDay(now), ledger.NextDay(now))
	if err != nil {
		return 0, fmt.Errorf("statsdb: count today: %w: %w", ledger.ErrLedgerUnreachable, err)
	}
	return n, nil
}

func (s *Store) CountThisMonth(ctx context.Context, now time.Time) (int, error) {
	n, err := s.countSeen(ctx, ledger.StartOfMonth(now), ledger.NextMonth(now))
	if err != nil {
		return 0, fmt.Errorf("statsdb: count this month: %w: %w", ledger.ErrLedgerUnreachable, err)
	}
	return n, nil
}

func (s *Store) countSeen(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM peer_activity WHERE last_seen_unix >= ? AND last_seen_unix < ?`,
		from.Unix(), to.Unix(),
	).Scan(&n)
	return n, err
}

// Lookup returns the stored activity record of peerID.
func (s *Store) Lookup(ctx context.Context, peerID string) (ledger.ActivityRecord, bool, error) {
	var last, today, month int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen_unix, first_seen_today_unix, first_seen_month_unix
		 FROM peer_activity WHERE peer_id = ?`, peerID,
	).Scan(&last, &today, &month)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ActivityRecord{}, false, nil
	}
	if err != nil {
		return ledger.ActivityRecord{}, false, fmt.Errorf("statsdb: lookup %s: %w: %w", peerID, ledger.ErrLedgerUnreachable, err)
	}
	return ledger.ActivityRecord{
		PeerID:             peerID,
		LastSeenAt:         time.Unix(last, 0).UTC(),
		FirstSeenToday:     time.Unix(today, 0).UTC(),
		FirstSeenThisMonth: time.Unix(month, 0).UTC(),
	}, true, nil
}

// Prune deletes activity records last seen before cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peer_activity WHERE last_seen_unix < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("statsdb: prune activity: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("statsdb: pruned activity records", "count", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return n, nil
}
