package snapshot

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Format identifies the textual grammar of a snapshot.
type Format int

const (
	// FormatShow is the human readable `awg show` / `wg show` output.
	FormatShow Format = iota
	// FormatDump is the tab separated `awg show <iface> dump` output.
	FormatDump
	// FormatUAPI is the key=value output of a UAPI `get=1` request.
	FormatUAPI
)

func (f Format) String() string {
	switch f {
	case FormatShow:
		return "show"
	case FormatDump:
		return "dump"
	case FormatUAPI:
		return "uapi"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

const keyLen = 32

var handshakeUnits = map[string]time.Duration{
	"year":   365 * 24 * time.Hour,
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

// DetectFormat guesses the grammar of text from its first non-empty line.
func DetectFormat(text string) Format {
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case strings.Contains(line, "\t"):
			return FormatDump
		case strings.Contains(line, ": "), strings.HasSuffix(line, ":"):
			return FormatShow
		case strings.Contains(line, "="):
			return FormatUAPI
		}
		return FormatShow
	}
	return FormatShow
}

// Parse parses a snapshot in any supported grammar. Relative handshake ages
// (show format) are resolved against now. Records that cannot be parsed are
// reported in Result.Skipped; they never prevent other records from parsing.
func Parse(text string, now time.Time) Result {
	format := DetectFormat(text)
	var res Result
	switch format {
	case FormatDump:
		res = parseDump(text)
	case FormatUAPI:
		res = parseUAPI(text)
	default:
		res = parseShow(text, now)
	}
	res.Format = format
	return res
}

type record struct {
	index int
	peer  Peer
	err   error

	hsSec, hsNsec int64
}

func (r *record) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

type collector struct {
	res  Result
	n    int
	seen map[string]struct{}
}

func (c *collector) newRecord() *record {
	c.n++
	return &record{index: c.n}
}

func (c *collector) add(r *record) {
	if r.err == nil && r.peer.PublicKey == "" {
		r.err = errors.New("missing public key")
	}
	if r.err == nil {
		if _, dup := c.seen[r.peer.PublicKey]; dup {
			r.err = errors.New("duplicate peer")
		}
	}
	if r.err != nil {
		c.res.Skipped = append(c.res.Skipped, SkippedRecord{
			Index:     r.index,
			PublicKey: r.peer.PublicKey,
			Reason:    r.err.Error(),
		})
		return
	}
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	c.seen[r.peer.PublicKey] = struct{}{}
	c.res.Peers = append(c.res.Peers, r.peer)
}

func parseShow(text string, now time.Time) Result {
	var c collector
	var cur *record
	flush := func() {
		if cur != nil {
			c.add(cur)
			cur = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "interface":
			flush()
		case "peer":
			flush()
			cur = c.newRecord()
			cur.peer.PublicKey = value
			if err := checkKey(value); err != nil {
				cur.fail(err)
			}
		default:
			// Interface attributes precede the first peer block.
			if cur == nil {
				continue
			}
			applyShowField(cur, key, value, now)
		}
	}
	flush()
	return c.res
}

func applyShowField(r *record, key, value string, now time.Time) {
	switch key {
	case "endpoint":
		r.peer.Endpoint = value
	case "allowed ips":
		r.peer.AllowedIPs = splitList(value, ",")
	case "latest handshake":
		age, err := parseHandshakeAge(value)
		if err != nil {
			r.fail(fmt.Errorf("latest handshake: %w", err))
			return
		}
		r.peer.LastHandshake = now.Add(-age)
	case "transfer":
		rx, tx, err := parseTransfer(value)
		if err != nil {
			r.fail(fmt.Errorf("transfer: %w", err))
			return
		}
		r.peer.ReceivedBytes, r.peer.SentBytes = rx, tx
	}
}

// parseHandshakeAge parses strings like "1 day, 2 hours, 5 seconds ago".
func parseHandshakeAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "ago"))
	if strings.EqualFold(s, "now") {
		return 0, nil
	}
	if s == "" {
		return 0, errors.New("empty value")
	}

	var total time.Duration
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) != 2 {
			return 0, fmt.Errorf("invalid component %q", strings.TrimSpace(part))
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number %q", fields[0])
		}
		unit, ok := handshakeUnits[strings.TrimSuffix(strings.ToLower(fields[1]), "s")]
		if !ok {
			return 0, fmt.Errorf("unknown unit %q", fields[1])
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}

// parseTransfer parses strings like "1.50 KiB received, 2.00 MiB sent".
func parseTransfer(s string) (rx, tx uint64, err error) {
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) != 3 {
			return 0, 0, fmt.Errorf("invalid component %q", strings.TrimSpace(part))
		}
		n, err := humanize.ParseBytes(fields[0] + " " + fields[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid size %q: %w", fields[0]+" "+fields[1], err)
		}
		switch strings.ToLower(fields[2]) {
		case "received":
			rx = n
		case "sent":
			tx = n
		default:
			return 0, 0, fmt.Errorf("unknown direction %q", fields[2])
		}
	}
	return rx, tx, nil
}

// parseDump parses `show dump` output. Peer lines have 8 tab separated
// fields, or 9 when prefixed with the interface name (`show all dump`).
// Interface lines carry a variable number of fields depending on the
// daemon flavour and are skipped.
func parseDump(text string) Result {
	var c collector
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		switch n := len(fields); {
		case n == 8:
		case n == 9:
			fields = fields[1:]
		case n == 4 || n == 5 || n > 9:
			continue
		default:
			r := c.newRecord()
			r.fail(fmt.Errorf("unexpected field count %d", n))
			c.add(r)
			continue
		}

		r := c.newRecord()
		r.peer.PublicKey = fields[0]
		if err := checkKey(fields[0]); err != nil {
			r.fail(err)
		}
		if fields[2] != "(none)" {
			r.peer.Endpoint = fields[2]
		}
		if fields[3] != "(none)" {
			r.peer.AllowedIPs = splitList(fields[3], ",")
		}
		hs, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil || hs < 0 {
			r.fail(fmt.Errorf("invalid latest handshake %q", fields[4]))
		} else if hs > 0 {
			r.peer.LastHandshake = time.Unix(hs, 0)
		}
		if r.peer.ReceivedBytes, err = strconv.ParseUint(fields[5], 10, 64); err != nil {
			r.fail(fmt.Errorf("invalid rx bytes %q", fields[5]))
		}
		if r.peer.SentBytes, err = strconv.ParseUint(fields[6], 10, 64); err != nil {
			r.fail(fmt.Errorf("invalid tx bytes %q", fields[6]))
		}
		c.add(r)
	}
	return c.res
}

// parseUAPI parses the response to a UAPI get=1 request. Peer sections start
// at each public_key line; keys are hex encoded and converted to base64.
func parseUAPI(text string) Result {
	var c collector
	var cur *record
	flush := func() {
		if cur == nil {
			return
		}
		if cur.hsSec != 0 || cur.hsNsec != 0 {
			cur.peer.LastHandshake = time.Unix(cur.hsSec, cur.hsNsec)
		}
		c.add(cur)
		cur = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		if key == "public_key" {
			flush()
			cur = c.newRecord()
			pub, err := hexToBase64(value)
			cur.peer.PublicKey = pub
			if err != nil {
				cur.fail(err)
			}
			continue
		}
		if cur == nil {
			continue
		}

		var err error
		switch key {
		case "last_handshake_time_sec":
			cur.hsSec, err = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			cur.hsNsec, err = strconv.ParseInt(value, 10, 64)
		case "rx_bytes":
			cur.peer.ReceivedBytes, err = strconv.ParseUint(value, 10, 64)
		case "tx_bytes":
			cur.peer.SentBytes, err = strconv.ParseUint(value, 10, 64)
		case "endpoint":
			cur.peer.Endpoint = value
		case "allowed_ip":
			cur.peer.AllowedIPs = append(cur.peer.AllowedIPs, value)
		}
		if err != nil {
			cur.fail(fmt.Errorf("invalid %s %q", key, value))
		}
	}
	flush()
	return c.res
}

func checkKey(b64 string) error {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != keyLen {
		return fmt.Errorf("invalid public key %q", b64)
	}
	return nil
}

func hexToBase64(hexStr string) (string, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != keyLen {
		return hexStr, fmt.Errorf("invalid public key %q", hexStr)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, item := range strings.Split(s, sep) {
		if item = strings.TrimSpace(item); item != "" && item != "(none)" {
			out = append(out, item)
		}
	}
	return out
}
