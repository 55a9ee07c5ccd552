package rtp

import (
	"bytes"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// sinkSocket is a UDP socket that records every RTP packet it receives.
type sinkSocket struct {
	conn *net.UDPConn

	mu      sync.Mutex
	packets []rtp.Packet
}

func newSinkSocket(t *testing.T) *sinkSocket {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen sink: %v", err)
	}
	s := &sinkSocket{conn: conn}
	go s.read()
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *sinkSocket) read() {
	buf := make([]byte, maxRTPPacket)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			continue
		}
		s.mu.Lock()
		s.packets = append(s.packets, pkt)
		s.mu.Unlock()
	}
}

func (s *sinkSocket) addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *sinkSocket) snapshot() []rtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rtp.Packet, len(s.packets))
	copy(out, s.packets)
	return out
}

func startTestSender(t *testing.T, remote RemoteFunc) *Sender {
	t.Helper()
	s, err := NewSender(remote, 0, slog.Default())
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func TestSenderPacketFraming(t *testing.T) {
	sink := newSinkSocket(t)
	s := startTestSender(t, func() *net.UDPAddr { return sink.addr() })

	// 3.5 packets worth of audio: the fractional tail is buffered, then
	// flushed padded with silence once the queue is otherwise empty.
	audio := bytes.Repeat([]byte{0x12}, 3*samplesPerPacket+80)
	s.Push(audio)

	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) >= 4 })
	pkts := sink.snapshot()[:4]

	for i, pkt := range pkts {
		if pkt.PayloadType != PayloadPCMU {
			t.Errorf("packet %d payload type = %d, want %d", i, pkt.PayloadType, PayloadPCMU)
		}
		if len(pkt.Payload) != samplesPerPacket {
			t.Errorf("packet %d payload length = %d, want %d", i, len(pkt.Payload), samplesPerPacket)
		}
		if i > 0 {
			if pkt.SequenceNumber != pkts[i-1].SequenceNumber+1 {
				t.Errorf("packet %d sequence = %d, want %d", i, pkt.SequenceNumber, pkts[i-1].SequenceNumber+1)
			}
			if pkt.Timestamp != pkts[i-1].Timestamp+timestampIncrement {
				t.Errorf("packet %d timestamp = %d, want %d", i, pkt.Timestamp, pkts[i-1].Timestamp+timestampIncrement)
			}
		}
	}

	// First packet of the talkspurt carries the marker bit.
	if !pkts[0].Marker {
		t.Error("first packet missing marker bit")
	}
	if pkts[1].Marker {
		t.Error("second packet must not carry marker bit")
	}

	// Tail packet: 80 audio bytes then silence padding.
	tail := pkts[3].Payload
	for i := 80; i < samplesPerPacket; i++ {
		if tail[i] != UlawSilence {
			t.Fatalf("tail byte %d = %#x, want silence %#x", i, tail[i], UlawSilence)
		}
	}
}

func TestSenderDrainEdgeFiresOnce(t *testing.T) {
	sink := newSinkSocket(t)
	var drains atomic.Int32

	s, err := NewSender(func() *net.UDPAddr { return sink.addr() }, 0, slog.Default())
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	s.OnDrained(func() { drains.Add(1) })
	s.Start()
	t.Cleanup(s.Close)

	s.Push(bytes.Repeat([]byte{0x34}, 2*samplesPerPacket))

	waitFor(t, 2*time.Second, func() bool { return drains.Load() == 1 })

	// Idle ticks must not re-fire until new audio arrives and drains again.
	time.Sleep(100 * time.Millisecond)
	if got := drains.Load(); got != 1 {
		t.Fatalf("drain fired %d times during idle, want 1", got)
	}

	s.Push(bytes.Repeat([]byte{0x34}, samplesPerPacket))
	waitFor(t, 2*time.Second, func() bool { return drains.Load() == 2 })
}

func TestSenderStopPlaybackFlushesQueue(t *testing.T) {
	sink := newSinkSocket(t)
	s := startTestSender(t, func() *net.UDPAddr { return sink.addr() })

	// Enough audio to keep the queue busy for seconds.
	s.Push(bytes.Repeat([]byte{0x56}, 200*samplesPerPacket))
	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) >= 2 })

	s.StopPlayback()
	if !s.QueueEmpty() {
		t.Fatal("queue not empty after StopPlayback")
	}

	// At most one in-flight packet may still arrive after the flush.
	n := len(sink.snapshot())
	time.Sleep(100 * time.Millisecond)
	if got := len(sink.snapshot()); got > n+1 {
		t.Errorf("packets kept flowing after barge-in: %d -> %d", n, got)
	}
}

func TestSenderHoldsAudioUntilRemoteKnown(t *testing.T) {
	sink := newSinkSocket(t)
	var remote atomic.Pointer[net.UDPAddr]

	s := startTestSender(t, func() *net.UDPAddr { return remote.Load() })
	s.Push(bytes.Repeat([]byte{0x78}, 2*samplesPerPacket))

	time.Sleep(100 * time.Millisecond)
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("sent %d packets before remote was known", got)
	}

	remote.Store(sink.addr())
	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) >= 2 })
}

func TestSenderQueueCapDropsOldest(t *testing.T) {
	// nil remote keeps the pacer from draining while we overflow the queue.
	s, err := NewSender(func() *net.UDPAddr { return nil }, 5, slog.Default())
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	t.Cleanup(s.Close)

	s.Push(bytes.Repeat([]byte{0x9A}, 10*samplesPerPacket))

	s.mu.Lock()
	qlen, dropped := len(s.queue), s.dropped
	s.mu.Unlock()
	if qlen != 5 {
		t.Errorf("queue length = %d, want 5", qlen)
	}
	if dropped != 5 {
		t.Errorf("dropped = %d, want 5", dropped)
	}
}

func TestSilencePrefix(t *testing.T) {
	tests := []struct {
		ms   int
		want int
	}{
		{100, 5 * samplesPerPacket},
		{20, samplesPerPacket},
		{19, 0},
		{0, 0},
	}
	for _, tt := range tests {
		got := SilencePrefix(tt.ms)
		if len(got) != tt.want {
			t.Errorf("SilencePrefix(%d) length = %d, want %d", tt.ms, len(got), tt.want)
		}
	}

	// The padding byte must decode to near-zero PCM so the prefix is
	// actually inaudible on the wire.
	pcm := g711.DecodeUlaw(SilencePrefix(20))
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		if sample > 8 || sample < -8 {
			t.Fatalf("silence sample %d decodes to %d, want near zero", i/2, sample)
		}
	}
}
