package rtp

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// minRTPHeader is the minimum RTP header size (12 bytes).
	minRTPHeader = 12

	// readTimeout is the read deadline for the receiver socket. It lets
	// the read loop periodically re-check the closed flag.
	readTimeout = 100 * time.Millisecond
)

// PayloadSink receives decapsulated ulaw payload bytes from a Receiver.
type PayloadSink func(payload []byte)

// Receiver is a per-call UDP listener for the PBX external-media leg.
// It strips the RTP header from each datagram and forwards the ulaw
// payload to the sink.
//
// Symmetric RTP: the source address of the first valid datagram is
// recorded and published through Remote. The Sender uses it as the
// destination for outbound audio, so nothing is transmitted toward the
// PBX before the PBX has revealed its real source port.
type Receiver struct {
	conn   *net.UDPConn
	sink   PayloadSink
	logger *slog.Logger

	remote atomic.Pointer[net.UDPAddr]
	closed atomic.Bool

	packets atomic.Uint64
	bytes   atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewReceiver binds a UDP socket on 127.0.0.1:port and returns a Receiver
// that is not yet reading. Call Start to begin the read loop.
func NewReceiver(port int, sink PayloadSink, logger *slog.Logger) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, err
	}
	return &Receiver{
		conn:   conn,
		sink:   sink,
		logger: logger.With("subsystem", "rtp-receiver", "port", port),
	}, nil
}

// LocalPort returns the bound UDP port.
func (r *Receiver) LocalPort() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start launches the background read loop.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.readLoop()
}

// Remote returns the learned source address of the PBX external-media
// leg, or nil before the first datagram has arrived.
func (r *Receiver) Remote() *net.UDPAddr {
	return r.remote.Load()
}

// Stats returns the number of datagrams and payload bytes forwarded.
func (r *Receiver) Stats() (packets, bytes uint64) {
	return r.packets.Load(), r.bytes.Load()
}

// Close stops the read loop and closes the socket. It is idempotent;
// datagrams arriving after Close are dropped by the kernel.
func (r *Receiver) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.conn.Close()
		r.wg.Wait()
	})
}

func (r *Receiver) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacket)
	var pkt rtp.Packet
	learned := false

	for {
		if r.closed.Load() {
			return
		}

		r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.closed.Load() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Socket errors demote the receiver to closed; they must
			// not take the process down.
			r.logger.Warn("rtp read error, closing receiver", "error", err)
			r.closed.Store(true)
			return
		}

		if n < minRTPHeader {
			continue
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		if !learned {
			r.remote.Store(srcAddr)
			learned = true
			r.logger.Info("learned external media source", "remote", srcAddr.String())
		}

		if len(pkt.Payload) == 0 {
			continue
		}

		r.packets.Add(1)
		r.bytes.Add(uint64(len(pkt.Payload)))
		totals.addReceived(len(pkt.Payload))

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		r.sink(payload)
	}
}
