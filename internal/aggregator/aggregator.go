// Package aggregator turns a parsed snapshot and ledger state into the
// metric set published at the end of each scrape cycle.
package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/blikh/awg-exporter/internal/ledger"
	"github.com/blikh/awg-exporter/internal/snapshot"
	"github.com/blikh/awg-exporter/internal/statsdb"
)

// Resolver maps a peer public key to a client name.
type Resolver interface {
	Resolve(peerID string) string
}

// TrafficStore accumulates per-peer traffic across daemon restarts.
type TrafficStore interface {
	FlushPeerTraffic(ctx context.Context, peers []statsdb.TrafficSnapshot) (statsdb.FlushResult, error)
}

// PeerMetric is the per-peer part of a MetricSet.
type PeerMetric struct {
	PeerID        string
	ClientName    string
	ReceivedBytes uint64
	SentBytes     uint64
	// LastHandshake is zero when the peer never completed a handshake.
	LastHandshake time.Time
	HandshakeAge  time.Duration
	Online        bool

	ReceivedTotal uint64
	SentTotal     uint64
	TotalsKnown   bool
}

// MetricSet is everything one cycle publishes.
type MetricSet struct {
	Timestamp time.Time
	Status    bool

	CurrentOnline int
	OnlineKnown   bool

	DAU         int
	MAU         int
	CountsKnown bool

	Peers          []PeerMetric
	SkippedRecords int
	ScrapeDuration time.Duration

	SourceError error
	LedgerError error
	// TimeoutError is set by the scheduler when the cycle ran past its
	// deadline without the source or ledger reporting it.
	TimeoutError error
}

// Options tunes the aggregation.
type Options struct {
	OnlineThreshold time.Duration
	// Traffic is optional; nil disables persisted totals.
	Traffic TrafficStore
}

// Aggregator owns the only state carried between cycles: the last DAU/MAU
// read successfully from the ledger. It is not safe for concurrent use; the
// scheduler calls Collect from a single goroutine.
type Aggregator struct {
	ledger   ledger.Ledger
	resolver Resolver
	opts     Options
	logger   *slog.Logger

	lastDAU, lastMAU int
	haveCounts       bool
}

func New(l ledger.Ledger, resolver Resolver, opts Options, logger *slog.Logger) *Aggregator {
	return &Aggregator{ledger: l, resolver: resolver, opts: opts, logger: logger}
}

// Collect builds the metric set for one cycle. res is the parsed snapshot and
// srcErr the error from reading it; when srcErr is set res is ignored.
func (a *Aggregator) Collect(ctx context.Context, res snapshot.Result, srcErr error, now time.Time) MetricSet {
	ms := MetricSet{Timestamp: now, SourceError: srcErr}

	if srcErr == nil {
		ms.OnlineKnown = true
		ms.SkippedRecords = len(res.Skipped)
		ms.Peers = make([]PeerMetric, 0, len(res.Peers))

		// Ledger updates are applied in the order the parser emitted peers.
		for _, p := range res.Peers {
			pm := PeerMetric{
				PeerID:        p.PublicKey,
				ClientName:    a.resolver.Resolve(p.PublicKey),
				ReceivedBytes: p.ReceivedBytes,
				SentBytes:     p.SentBytes,
				LastHandshake: p.LastHandshake,
				Online:        ledger.IsOnline(p.LastHandshake, now, a.opts.OnlineThreshold),
			}
			if age, ok := p.HandshakeAge(now); ok {
				pm.HandshakeAge = age
			}
			if pm.Online {
				ms.CurrentOnline++
				if ms.LedgerError == nil {
					if err := a.ledger.RecordSeen(ctx, p.PublicKey, now); err != nil {
						ms.LedgerError = err
						a.logger.Error("aggregator: ledger update failed, skipping remaining peers", "peer", p.PublicKey, "err", err)
					}
				}
			}
			ms.Peers = append(ms.Peers, pm)
		}

		a.flushTraffic(ctx, ms.Peers)
	}

	if ms.LedgerError == nil {
		a.readCounts(ctx, now, &ms)
	}
	if ms.LedgerError != nil {
		// Withheld along with fresh counts on a ledger failure.
		ms.OnlineKnown = false
		if a.haveCounts {
			a.logger.Warn("aggregator: holding over previous dau/mau", "dau", a.lastDAU, "mau", a.lastMAU)
		}
	}
	ms.DAU, ms.MAU, ms.CountsKnown = a.lastDAU, a.lastMAU, a.haveCounts

	ms.Status = srcErr == nil && !res.AllMalformed() && ms.LedgerError == nil
	return ms
}

func (a *Aggregator) readCounts(ctx context.Context, now time.Time, ms *MetricSet) {
	dau, err := a.ledger.CountToday(ctx, now)
	if err != nil {
		ms.LedgerError = err
		a.logger.Error("aggregator: counting daily active peers failed", "err", err)
		return
	}
	mau, err := a.ledger.CountThisMonth(ctx, now)
	if err != nil {
		ms.LedgerError = err
		a.logger.Error("aggregator: counting monthly active peers failed", "err", err)
		return
	}
	a.lastDAU, a.lastMAU, a.haveCounts = dau, mau, true
}

func (a *Aggregator) flushTraffic(ctx context.Context, peers []PeerMetric) {
	if a.opts.Traffic == nil || len(peers) == 0 {
		return
	}
	snaps := make([]statsdb.TrafficSnapshot, 0, len(peers))
	for _, p := range peers {
		var hs int64
		if !p.LastHandshake.IsZero() {
			hs = p.LastHandshake.Unix()
		}
		snaps = append(snaps, statsdb.TrafficSnapshot{
			PublicKey:        p.PeerID,
			ClientName:       p.ClientName,
			LastHandshakeSec: hs,
			RxBytes:          p.ReceivedBytes,
			TxBytes:          p.SentBytes,
		})
	}

	res, err := a.opts.Traffic.FlushPeerTraffic(ctx, snaps)
	if err != nil {
		a.logger.Warn("aggregator: traffic flush failed", "err", err)
		return
	}
	for _, key := range res.Resets {
		a.logger.Info("aggregator: peer counters reset, daemon restarted?", "peer", key)
	}
	for i := range peers {
		if rec, ok := res.Records[peers[i].PeerID]; ok {
			peers[i].ReceivedTotal = rec.RxTotal
			peers[i].SentTotal = rec.TxTotal
			peers[i].TotalsKnown = true
		}
	}
}
