package statsdb

// TrafficSnapshot is one peer's counters as read from the daemon in the
// current cycle (input to FlushPeerTraffic).
type TrafficSnapshot struct {
	PublicKey        string
	ClientName       string
	LastHandshakeSec int64
	RxBytes          uint64
	TxBytes          uint64
}

// TrafficRecord is the persisted cumulative record of one peer.
type TrafficRecord struct {
	ClientName        string
	LastHandshakeUnix int64
	RxTotal           uint64
	TxTotal           uint64
	HandshakesTotal   int64
	ResetsTotal       int64
}

// FlushResult reports the totals after a flush and which peers had their
// daemon counters reset since the previous flush.
type FlushResult struct {
	Records map[string]TrafficRecord
	Resets  []string
}
