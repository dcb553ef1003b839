// Package snapshot turns the raw peer table of an AmneziaWG/WireGuard daemon
// into typed peer records.
package snapshot

import "time"

// Peer is one peer entry of a daemon snapshot.
type Peer struct {
	PublicKey     string
	Endpoint      string
	AllowedIPs    []string
	LastHandshake time.Time // zero if the peer never completed a handshake
	ReceivedBytes uint64
	SentBytes     uint64
}

// HandshakeAge returns how long ago the peer last completed a handshake.
// The second result is false if the peer never did.
func (p Peer) HandshakeAge(now time.Time) (time.Duration, bool) {
	if p.LastHandshake.IsZero() {
		return 0, false
	}
	age := now.Sub(p.LastHandshake)
	if age < 0 {
		age = 0
	}
	return age, true
}

// SkippedRecord describes a peer record that could not be parsed.
type SkippedRecord struct {
	Index     int    // 1-based position of the record in the snapshot
	PublicKey string // may be empty if the key itself was unreadable
	Reason    string
}

// Result is the outcome of parsing one snapshot.
type Result struct {
	Format  Format
	Peers   []Peer
	Skipped []SkippedRecord
}

// AllMalformed reports whether the snapshot contained records but none of
// them could be parsed.
func (r Result) AllMalformed() bool {
	return len(r.Peers) == 0 && len(r.Skipped) > 0
}
