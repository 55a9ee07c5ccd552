package rtp

import (
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// PayloadPCMU is the RTP payload type for G.711 u-law.
	PayloadPCMU = 0

	// samplesPerPacket is the number of ulaw samples per RTP packet.
	// At 8 kHz with 20ms ptime each packet carries 160 one-byte samples.
	samplesPerPacket = 160

	// packetDuration is the duration of one RTP packet (20ms at 8kHz).
	packetDuration = 20 * time.Millisecond

	// timestampIncrement is the RTP timestamp increment per packet.
	timestampIncrement = 160

	// UlawSilence is the ulaw digital-silence fill byte used for padding
	// short tail packets and for detecting all-silence audio deltas.
	UlawSilence = 0x7F

	// maxConsecutiveSendErrors closes the sender after a run of hard
	// write failures, so a dead socket does not spin the pacing loop.
	maxConsecutiveSendErrors = 50
)

// RemoteFunc reports the current destination for outbound RTP, or nil
// while the PBX source address has not been learned yet. While it returns
// nil the pacer holds queued audio instead of transmitting blind.
type RemoteFunc func() *net.UDPAddr

// Sender paces ulaw audio toward the PBX external-media leg as RTP at a
// 20ms cadence. Audio of any length is accepted by Push; it is split
// into 160-byte packets with any remainder buffered until the next push.
//
// The pacer computes the target wall time of each packet from the stream
// start rather than sleeping a fixed interval, so transient scheduling
// jitter does not accumulate. After an idle gap the schedule is re-anchored
// instead of bursting to catch up.
type Sender struct {
	conn   *net.UDPConn
	remote RemoteFunc
	logger *slog.Logger

	// onDrained fires once per drain edge: the tick at which both the
	// byte buffer and the packet queue transition to empty. It runs on
	// the pacing goroutine and must not block.
	onDrained func()

	mu        sync.Mutex
	buf       []byte   // partial packet, < 160 bytes
	queue     [][]byte // 160-byte payloads awaiting transmission
	active    bool     // true between first push and drain edge
	maxQueue  int      // drop-oldest threshold, 0 = unbounded
	dropped   uint64
	talkspurt bool // next packet carries the RTP marker bit

	seq  uint16
	ts   uint32
	ssrc uint32

	packets atomic.Uint64
	bytes   atomic.Uint64

	closed    atomic.Bool
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	sendErrs int
}

// NewSender creates a sender that transmits from its own UDP socket to
// whatever address remote reports at send time. maxQueue bounds the packet
// queue (drop-oldest); zero disables the bound.
func NewSender(remote RemoteFunc, maxQueue int, logger *slog.Logger) (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, err
	}
	return &Sender{
		conn:      conn,
		remote:    remote,
		logger:    logger.With("subsystem", "rtp-sender"),
		maxQueue:  maxQueue,
		ssrc:      rand.Uint32(),
		seq:       uint16(rand.Intn(65536)),
		ts:        rand.Uint32(),
		talkspurt: true,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// OnDrained registers the drain-edge callback. Must be called before Start.
func (s *Sender) OnDrained(fn func()) {
	s.onDrained = fn
}

// Start launches the pacing loop.
func (s *Sender) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.pace()
}

// Push accepts ulaw audio of any length. Complete 160-byte packets are
// queued for transmission; the remainder is buffered until the next push.
func (s *Sender) Push(audio []byte) {
	if s.closed.Load() || len(audio) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, audio...)
	for len(s.buf) >= samplesPerPacket {
		pkt := make([]byte, samplesPerPacket)
		copy(pkt, s.buf[:samplesPerPacket])
		s.buf = s.buf[samplesPerPacket:]
		s.queue = append(s.queue, pkt)
	}

	if s.maxQueue > 0 && len(s.queue) > s.maxQueue {
		drop := len(s.queue) - s.maxQueue
		s.queue = s.queue[drop:]
		s.dropped += uint64(drop)
		s.logger.Warn("sender queue overflow, dropped oldest packets", "dropped", drop)
	}

	s.active = true
}

// StopPlayback implements barge-in: it atomically drops the byte buffer
// and the packet queue. Already-transmitted packets cannot be recalled;
// the next response's leading silence prefix masks the clip.
func (s *Sender) StopPlayback() {
	s.mu.Lock()
	defer s.mu.Unlock()

	flushed := len(s.queue)
	s.buf = nil
	s.queue = nil
	s.active = false
	s.talkspurt = true
	if flushed > 0 {
		s.logger.Debug("barge-in: flushed playback queue", "packets", flushed)
	}
}

// QueueEmpty reports whether both the byte buffer and the packet queue
// are empty.
func (s *Sender) QueueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && len(s.buf) == 0
}

// Stats returns the number of packets and payload bytes transmitted.
func (s *Sender) Stats() (packets, bytes uint64) {
	return s.packets.Load(), s.bytes.Load()
}

// Close stops the pacing loop and closes the socket. Queued audio is
// dropped. Close is idempotent.
func (s *Sender) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		if s.started.Load() {
			<-s.done
		}
		s.conn.Close()
	})
}

// pace runs the 20ms transmission loop.
func (s *Sender) pace() {
	defer close(s.done)

	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		now := time.Now()
		// Re-anchor after a stall or idle gap; never burst to catch up.
		if next.Before(now.Add(-2 * packetDuration)) {
			next = now
		}
		if wait := next.Sub(now); wait > 0 {
			timer.Reset(wait)
			select {
			case <-s.stop:
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-s.stop:
				return
			default:
			}
		}
		next = next.Add(packetDuration)

		s.tick()
	}
}

// tick transmits at most one packet and fires the drain callback on the
// non-empty to empty transition.
func (s *Sender) tick() {
	remote := s.remote()

	s.mu.Lock()
	var payload []byte
	switch {
	case remote == nil:
		// Destination unknown; hold queued audio until the receiver has
		// learned the PBX source address.
		s.mu.Unlock()
		return
	case len(s.queue) > 0:
		payload = s.queue[0]
		s.queue = s.queue[1:]
	case len(s.buf) > 0:
		// Flush the tail of a response padded out to a full packet so
		// the queue can actually drain.
		payload = make([]byte, samplesPerPacket)
		n := copy(payload, s.buf)
		for i := n; i < samplesPerPacket; i++ {
			payload[i] = UlawSilence
		}
		s.buf = nil
	default:
		drained := s.active
		s.active = false
		s.talkspurt = true
		s.mu.Unlock()
		if drained && s.onDrained != nil {
			s.onDrained()
		}
		return
	}
	marker := s.talkspurt
	s.talkspurt = false
	seq, ts := s.seq, s.ts
	s.seq++
	s.ts += timestampIncrement
	s.mu.Unlock()

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadPCMU,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
			Marker:         marker,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		s.logger.Error("rtp marshal failed", "error", err)
		return
	}

	if _, err := s.conn.WriteToUDP(data, remote); err != nil {
		s.sendErrs++
		s.logger.Warn("rtp send error", "error", err, "consecutive", s.sendErrs)
		if s.sendErrs >= maxConsecutiveSendErrors {
			s.logger.Error("too many consecutive send errors, closing sender")
			s.closed.Store(true)
			go s.Close()
		}
		return
	}

	s.sendErrs = 0
	s.packets.Add(1)
	s.bytes.Add(uint64(len(payload)))
	totals.addSent(len(payload))
}

// SilencePrefix returns n milliseconds of ulaw digital silence, rounded
// down to whole packets. It is prepended to the first audio delta of each
// assistant response to mask barge-in clipping.
func SilencePrefix(ms int) []byte {
	packets := ms / 20
	if packets <= 0 {
		return nil
	}
	buf := make([]byte, packets*samplesPerPacket)
	for i := range buf {
		buf[i] = UlawSilence
	}
	return buf
}
