package rtp

import "sync/atomic"

// Totals aggregates RTP traffic across every sender and receiver in the
// process. Per-call counters die with the call; these survive for the
// metrics scraper.
type Totals struct {
	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
	packetsRecv atomic.Uint64
	bytesRecv   atomic.Uint64
}

var totals Totals

// ProcessTotals returns the process-wide RTP counters.
func ProcessTotals() *Totals {
	return &totals
}

// PacketsSent returns the total RTP packets transmitted toward the PBX.
func (t *Totals) PacketsSent() uint64 { return t.packetsSent.Load() }

// BytesSent returns the total RTP payload bytes transmitted toward the PBX.
func (t *Totals) BytesSent() uint64 { return t.bytesSent.Load() }

// PacketsReceived returns the total RTP packets accepted from the PBX.
func (t *Totals) PacketsReceived() uint64 { return t.packetsRecv.Load() }

// BytesReceived returns the total RTP payload bytes accepted from the PBX.
func (t *Totals) BytesReceived() uint64 { return t.bytesRecv.Load() }

func (t *Totals) addSent(payloadBytes int) {
	t.packetsSent.Add(1)
	t.bytesSent.Add(uint64(payloadBytes))
}

func (t *Totals) addReceived(payloadBytes int) {
	t.packetsRecv.Add(1)
	t.bytesRecv.Add(uint64(payloadBytes))
}
