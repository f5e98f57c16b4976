package rtc

import (
	"github.com/pion/webrtc/v4"
)

// Quality buckets for ConnectionStats.Quality, thresholds per
// SPEC_FULL.md's connection-quality classification (no thresholds were
// given in the base spec's getConnectionStats contract).
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// ConnectionStats is the per-peer snapshot returned by
// Collector.Sample, matching spec §6's getConnectionStats contract.
type ConnectionStats struct {
	RTTMillis      float64
	PacketLossPct  float64
	JitterMillis   float64
	Quality        string
}

type cumulativeSample struct {
	lost     float64
	received float64
}

// Collector tracks per-peer cumulative loss samples so repeated calls
// to Sample can report interval (not lifetime) packet loss.
type Collector struct {
	prev map[string]cumulativeSample
}

// NewCollector returns an empty stats collector.
func NewCollector() *Collector {
	return &Collector{prev: make(map[string]cumulativeSample)}
}

// Sample extracts RTT, packet loss, and jitter for peerID from a
// freshly pulled webrtc.StatsReport.
func (c *Collector) Sample(peerID string, report webrtc.StatsReport) ConnectionStats {
	rtt := c.rttFromReport(report)
	lost, received, jitter := c.inboundFromReport(report)

	var lossPct float64
	prev, ok := c.prev[peerID]
	switch {
	case ok && (lost-prev.lost) >= 0 && (received-prev.received) >= 0 && (lost-prev.lost+received-prev.received) > 0:
		dLost := lost - prev.lost
		dReceived := received - prev.received
		lossPct = (dLost / (dLost + dReceived)) * 100
	case lost+received > 0:
		lossPct = (lost / (lost + received)) * 100
	}
	c.prev[peerID] = cumulativeSample{lost: lost, received: received}

	return ConnectionStats{
		RTTMillis:     rtt,
		PacketLossPct: lossPct,
		JitterMillis:  jitter,
		Quality:       classifyQuality(rtt, lossPct),
	}
}

// Forget drops any retained sample for peerID, called when a peer
// leaves so a later reused id doesn't inherit stale deltas.
func (c *Collector) Forget(peerID string) {
	delete(c.prev, peerID)
}

func (c *Collector) rttFromReport(report webrtc.StatsReport) float64 {
	var nominated *webrtc.ICECandidatePairStats
	for _, raw := range report {
		pair, ok := raw.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		if pair.Nominated || pair.State == webrtc.StatsICECandidatePairStateSucceeded {
			p := pair
			nominated = &p
			break
		}
	}
	if nominated == nil {
		return 0
	}
	if nominated.CurrentRoundTripTime > 0 {
		return nominated.CurrentRoundTripTime * 1000
	}
	if nominated.ResponsesReceived > 0 {
		return (nominated.TotalRoundTripTime / float64(nominated.ResponsesReceived)) * 1000
	}
	return 0
}

func (c *Collector) inboundFromReport(report webrtc.StatsReport) (lost, received, jitterMillis float64) {
	for _, raw := range report {
		in, ok := raw.(webrtc.InboundRTPStreamStats)
		if !ok {
			continue
		}
		lost += float64(in.PacketsLost)
		received += float64(in.PacketsReceived)
		if in.Jitter > jitterMillis {
			jitterMillis = in.Jitter * 1000
		}
	}
	return lost, received, jitterMillis
}

func classifyQuality(rttMillis, lossPct float64) string {
	switch {
	case rttMillis < 100 && lossPct < 1:
		return QualityExcellent
	case rttMillis < 250 && lossPct < 3:
		return QualityGood
	case rttMillis < 500 && lossPct < 8:
		return QualityFair
	default:
		return QualityPoor
	}
}
