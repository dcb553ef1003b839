package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blikh/awg-exporter/internal/aggregator"
)

var peerLabels = []string{"peer", "client_name"}

var (
	statusDesc = prometheus.NewDesc("awg_status",
		"Exporter status. 1 - OK, 0 - not OK", nil, nil)
	onlineDesc = prometheus.NewDesc("awg_current_online",
		"Number of peers with a handshake inside the online threshold.", nil, nil)
	dauDesc = prometheus.NewDesc("awg_dau",
		"Distinct peers active during the current UTC day.", nil, nil)
	mauDesc = prometheus.NewDesc("awg_mau",
		"Distinct peers active during the current UTC month.", nil, nil)
	peersDesc = prometheus.NewDesc("awg_peers",
		"Number of peers in the last snapshot.", nil, nil)
	skippedDesc = prometheus.NewDesc("awg_skipped_records",
		"Number of malformed peer records skipped in the last snapshot.", nil, nil)
	durationDesc = prometheus.NewDesc("awg_scrape_duration_seconds",
		"Duration of the last scrape cycle.", nil, nil)
	timestampDesc = prometheus.NewDesc("awg_last_scrape_timestamp_seconds",
		"Unix time of the last scrape cycle.", nil, nil)

	sentDesc = prometheus.NewDesc("awg_sent_bytes",
		"Client sent bytes", peerLabels, nil)
	receivedDesc = prometheus.NewDesc("awg_received_bytes",
		"Client received bytes", peerLabels, nil)
	handshakeDesc = prometheus.NewDesc("awg_latest_handshake_seconds",
		"Latest client handshake with the server", peerLabels, nil)
	handshakeAgeDesc = prometheus.NewDesc("awg_handshake_age_seconds",
		"Seconds since the latest client handshake.", peerLabels, nil)
	peerOnlineDesc = prometheus.NewDesc("awg_peer_online",
		"Whether the client is online (1) or not (0).", peerLabels, nil)
	sentTotalDesc = prometheus.NewDesc("awg_sent_bytes_total",
		"Client sent bytes accumulated across daemon restarts.", peerLabels, nil)
	receivedTotalDesc = prometheus.NewDesc("awg_received_bytes_total",
		"Client received bytes accumulated across daemon restarts.", peerLabels, nil)
)

// Collector exposes the most recent MetricSet. Every scrape of the registry
// between two Update calls sees exactly the same values.
type Collector struct {
	latest atomic.Pointer[aggregator.MetricSet]
}

func NewCollector() *Collector { return &Collector{} }

// Update replaces the published metric set.
func (c *Collector) Update(ms aggregator.MetricSet) {
	c.latest.Store(&ms)
}

// Latest returns the published metric set, if any.
func (c *Collector) Latest() (aggregator.MetricSet, bool) {
	ms := c.latest.Load()
	if ms == nil {
		return aggregator.MetricSet{}, false
	}
	return *ms, true
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		statusDesc, onlineDesc, dauDesc, mauDesc, peersDesc, skippedDesc,
		durationDesc, timestampDesc,
		sentDesc, receivedDesc, handshakeDesc, handshakeAgeDesc, peerOnlineDesc,
		sentTotalDesc, receivedTotalDesc,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ms := c.latest.Load()
	if ms == nil {
		return
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(statusDesc, boolValue(ms.Status))
	if ms.OnlineKnown {
		gauge(onlineDesc, float64(ms.CurrentOnline))
	}
	if ms.CountsKnown {
		gauge(dauDesc, float64(ms.DAU))
		gauge(mauDesc, float64(ms.MAU))
	}
	if ms.SourceError == nil {
		gauge(peersDesc, float64(len(ms.Peers)))
		gauge(skippedDesc, float64(ms.SkippedRecords))
	}
	gauge(durationDesc, ms.ScrapeDuration.Seconds())
	gauge(timestampDesc, float64(ms.Timestamp.Unix()))

	for _, p := range ms.Peers {
		gauge(sentDesc, float64(p.SentBytes), p.PeerID, p.ClientName)
		gauge(receivedDesc, float64(p.ReceivedBytes), p.PeerID, p.ClientName)
		var hs float64
		if !p.LastHandshake.IsZero() {
			hs = float64(p.LastHandshake.Unix())
			gauge(handshakeAgeDesc, p.HandshakeAge.Seconds(), p.PeerID, p.ClientName)
		}
		gauge(handshakeDesc, hs, p.PeerID, p.ClientName)
		gauge(peerOnlineDesc, boolValue(p.Online), p.PeerID, p.ClientName)
		if p.TotalsKnown {
			ch <- prometheus.MustNewConstMetric(sentTotalDesc, prometheus.CounterValue, float64(p.SentTotal), p.PeerID, p.ClientName)
			ch <- prometheus.MustNewConstMetric(receivedTotalDesc, prometheus.CounterValue, float64(p.ReceivedTotal), p.PeerID, p.ClientName)
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
