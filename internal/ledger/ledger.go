// Package ledger keeps the durable per-peer activity history that DAU and
// MAU are computed from.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrLedgerUnreachable is returned when the backing store cannot be reached
// or does not answer in time.
var ErrLedgerUnreachable = errors.New("ledger unreachable")

// ActivityRecord is the persisted activity state of one peer.
type ActivityRecord struct {
	PeerID             string
	LastSeenAt         time.Time
	FirstSeenToday     time.Time
	FirstSeenThisMonth time.Time
}

// Ledger records peer activity and answers distinct-peer counts for the
// current UTC day and month. Implementations must make RecordSeen atomic
// with respect to other writers of the same store.
type Ledger interface {
	// RecordSeen marks peerID active at now. Repeated calls within the same
	// day are idempotent for counting purposes.
	RecordSeen(ctx context.Context, peerID string, now time.Time) error
	// CountToday returns the number of distinct peers seen on the UTC day of now.
	CountToday(ctx context.Context, now time.Time) (int, error)
	// CountThisMonth returns the number of distinct peers seen in the UTC month of now.
	CountThisMonth(ctx context.Context, now time.Time) (int, error)
}

// RecordReader is implemented by ledgers that can return a peer's stored record.
type RecordReader interface {
	Lookup(ctx context.Context, peerID string) (ActivityRecord, bool, error)
}

// IsOnline reports whether a peer whose latest handshake happened at
// lastHandshake counts as online at now. A zero handshake is never online.
func IsOnline(lastHandshake, now time.Time, threshold time.Duration) bool {
	if lastHandshake.IsZero() {
		return false
	}
	return now.Sub(lastHandshake) <= threshold
}
