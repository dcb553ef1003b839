package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is a process-local Ledger. It does not survive restarts and
// is meant for tests and throwaway runs.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]ActivityRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]ActivityRecord)}
}

func (m *MemoryLedger) RecordSeen(_ context.Context, peerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[peerID]
	if !ok {
		rec.PeerID = peerID
	}
	rec, _ = Advance(rec, now)
	m.records[peerID] = rec
	return nil
}

func (m *MemoryLedger) CountToday(_ context.Context, now time.Time) (int, error) {
	return m.count(func(r ActivityRecord) bool { return InDay(r.LastSeenAt, now) }), nil
}

func (m *MemoryLedger) CountThisMonth(_ context.Context, now time.Time) (int, error) {
	return m.count(func(r ActivityRecord) bool { return InMonth(r.LastSeenAt, now) }), nil
}

func (m *MemoryLedger) Lookup(_ context.Context, peerID string) (ActivityRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[peerID]
	return rec, ok, nil
}

func (m *MemoryLedger) count(match func(ActivityRecord) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if match(r) {
			n++
		}
	}
	return n
}
