package statsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistent store for peer traffic totals and,
// when selected as the ledger backend, peer activity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statsdb: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS peer_traffic (
  public_key TEXT PRIMARY KEY,
  client_name TEXT NOT NULL DEFAULT '',
  last_handshake_unix INTEGER NOT NULL DEFAULT 0,
  rx_total INTEGER NOT NULL DEFAULT 0,
  tx_total INTEGER NOT NULL DEFAULT 0,
  handshakes_total INTEGER NOT NULL DEFAULT 0,
  resets_total INTEGER NOT NULL DEFAULT 0,
  rx_last_seen INTEGER NOT NULL DEFAULT 0,
  tx_last_seen INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS peer_activity (
  peer_id TEXT PRIMARY KEY,
  last_seen_unix INTEGER NOT NULL,
  first_seen_today_unix INTEGER NOT NULL,
  first_seen_month_unix INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS peer_activity_last_seen ON peer_activity (last_seen_unix);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("statsdb: init schema: %w", err)
	}
	return nil
}

// FlushPeerTraffic performs delta-accumulation for a batch of peer snapshots.
// A counter lower than the one stored last time means the daemon restarted;
// the new value is then taken as the delta.
func (s *Store) FlushPeerTraffic(ctx context.Context, peers []TrafficSnapshot) (FlushResult, error) {
	res := FlushResult{Records: make(map[string]TrafficRecord, len(peers))}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	selStmt, err := tx.PrepareContext(ctx,
		`SELECT rx_last_seen, tx_last_seen, last_handshake_unix,
		        handshakes_total, resets_total, rx_total, tx_total
		 FROM peer_traffic WHERE public_key = ?`)
	if err != nil {
		return res, fmt.Errorf("statsdb: prepare select: %w", err)
	}
	defer selStmt.Close()

	updStmt, err := tx.PrepareContext(ctx,
		`UPDATE peer_traffic
		 SET client_name = ?, last_handshake_unix = ?,
		     rx_total = ?, tx_total = ?, handshakes_total = ?, resets_total = ?,
		     rx_last_seen = ?, tx_last_seen = ?
		 WHERE public_key = ?`)
	if err != nil {
		return res, fmt.Errorf("statsdb: prepare update: %w", err)
	}
	defer updStmt.Close()

	insStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO peer_traffic
		 (public_key, client_name, last_handshake_unix, rx_total, tx_total,
		  handshakes_total, resets_total, rx_last_seen, tx_last_seen)
		 VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`)
	if err != nil {
		return res, fmt.Errorf("statsdb: prepare insert: %w", err)
	}
	defer insStmt.Close()

	for _, p := range peers {
		rx, txb := int64(p.RxBytes), int64(p.TxBytes)

		var rxLastSeen, txLastSeen, dbHandshake, hsTotal, resets, rxTotal, txTotal int64
		err := selStmt.QueryRowContext(ctx, p.PublicKey).Scan(
			&rxLastSeen, &txLastSeen, &dbHandshake,
			&hsTotal, &resets, &rxTotal, &txTotal,
		)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := insStmt.ExecContext(ctx,
				p.PublicKey, p.ClientName, p.LastHandshakeSec,
				rx, txb,
				rx, txb,
			); err != nil {
				return res, fmt.Errorf("statsdb: insert peer %s: %w", p.PublicKey, err)
			}
			res.Records[p.PublicKey] = TrafficRecord{
				ClientName:        p.ClientName,
				LastHandshakeUnix: p.LastHandshakeSec,
				RxTotal:           p.RxBytes,
				TxTotal:           p.TxBytes,
			}
			continue
		}
		if err != nil {
			return res, fmt.Errorf("statsdb: select peer %s: %w", p.PublicKey, err)
		}

		reset := false
		rxDelta := rx - rxLastSeen
		if rxDelta < 0 {
			rxDelta = rx
			reset = true
		}
		txDelta := txb - txLastSeen
		if txDelta < 0 {
			txDelta = txb
			reset = true
		}
		if reset {
			resets++
			res.Resets = append(res.Resets, p.PublicKey)
		}

		handshake := dbHandshake
		if p.LastHandshakeSec > dbHandshake {
			handshake = p.LastHandshakeSec
			hsTotal++
		}

		rec := TrafficRecord{
			ClientName:        p.ClientName,
			LastHandshakeUnix: handshake,
			RxTotal:           uint64(rxTotal + rxDelta),
			TxTotal:           uint64(txTotal + txDelta),
			HandshakesTotal:   hsTotal,
			ResetsTotal:       resets,
		}
		if _, err := updStmt.ExecContext(ctx,
			rec.ClientName, rec.LastHandshakeUnix,
			rxTotal+rxDelta, txTotal+txDelta, hsTotal, resets,
			rx, txb,
			p.PublicKey,
		); err != nil {
			return res, fmt.Errorf("statsdb: update peer %s: %w", p.PublicKey, err)
		}
		res.Records[p.PublicKey] = rec
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("statsdb: commit traffic flush: %w", err)
	}
	return res, nil
}

// GetPeerTraffic returns all persisted peer records keyed by public key.
func (s *Store) GetPeerTraffic(ctx context.Context) (map[string]TrafficRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT public_key, client_name, last_handshake_unix, rx_total, tx_total,
		        handshakes_total, resets_total
		 FROM peer_traffic`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query peers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TrafficRecord)
	for rows.Next() {
		var pk string
		var rxTotal, txTotal int64
		var r TrafficRecord
		if err := rows.Scan(&pk, &r.ClientName, &r.LastHandshakeUnix, &rxTotal, &txTotal,
			&r.HandshakesTotal, &r.ResetsTotal); err != nil {
			return nil, fmt.Errorf("statsdb: scan peer: %w", err)
		}
		r.RxTotal, r.TxTotal = uint64(rxTotal), uint64(txTotal)
		out[pk] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsdb: iterate peers: %w", err)
	}
	return out, nil
}
