// Package call holds the per-call state machine: the call registry, the
// lifecycle record, and the orchestrator that turns PBX events into
// bridge/media/session wiring and an idempotent teardown.
package call

import (
	"sync"
	"time"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/rtp"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/transcript"
)

// Reason classifies why a call was torn down. It ends up in logs and in
// the transcript email.
type Reason string

const (
	ReasonBothEnded       Reason = "both-ended"
	ReasonGraceTimeout    Reason = "grace-timeout"
	ReasonBridgeDestroyed Reason = "bridge-destroyed"
	ReasonDurationLimit   Reason = "duration-limit"
	ReasonShutdown        Reason = "shutdown"
	ReasonSetupError      Reason = "stasisstart-error"
	ReasonRedirectCleanup Reason = "redirect-cleanup"
)

// TerminateReason tags a teardown that was requested by the assistant's
// farewell, carrying the matched phrase.
func TerminateReason(phrase string) Reason {
	return Reason("assistant-terminate:" + phrase)
}

// AISession is the slice of the realtime session the orchestrator and
// receiver interact with.
type AISession interface {
	Start() error
	Close()
	SendCallerAudio(ulaw []byte)
	TotalDeltaBytes() uint64
}

// Call is the record for one live call. Identity fields are set once
// during setup; the lifecycle flags are guarded by mu.
type Call struct {
	ID         string
	CallerID   string
	BridgeID   string
	ExternalID string
	RTPPort    int
	Started    time.Time

	Receiver   *rtp.Receiver
	Sender     *rtp.Sender
	Transcript *transcript.Writer

	mu            sync.Mutex
	session       AISession
	sipEnded      bool
	extEnded      bool
	redirecting   bool
	terminating   bool
	graceTimer    *time.Timer
	durationTimer *time.Timer

	// drained receives one token per sender drain edge; the terminate
	// waiter consumes it.
	drained chan struct{}
}

func newCall(id, callerID string) *Call {
	return &Call{
		ID:       id,
		CallerID: callerID,
		Started:  time.Now(),
		drained:  make(chan struct{}, 1),
	}
}

// Session returns the realtime session handle, or nil before it is
// attached. The RTP receiver's payload sink goes through here so caller
// audio arriving before the session is up is dropped, not crashed on.
func (c *Call) Session() AISession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Call) setSession(s AISession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// markLegEnded records that the SIP or external leg ended and reports
// whether both are now gone.
func (c *Call) markLegEnded(external bool) (both bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if external {
		c.extEnded = true
	} else {
		c.sipEnded = true
	}
	return c.sipEnded && c.extEnded
}

// beginRedirect flips the redirecting flag. It fails when a redirect is
// already underway or a terminate has been armed, which wins conflicts.
func (c *Call) beginRedirect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redirecting || c.terminating {
		return false
	}
	c.redirecting = true
	return true
}

// Redirecting reports whether queue handoff has begun. Cleanup consults
// it to leave the SIP leg alone and to suppress the transcript email.
func (c *Call) Redirecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirecting
}

// armTerminate flips the terminate-after-playback flag. It fails during
// a redirect and on repeat arms.
func (c *Call) armTerminate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redirecting || c.terminating {
		return false
	}
	c.terminating = true
	return true
}

// armGrace (re)starts the cleanup debounce timer.
func (c *Call) armGrace(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.graceTimer = time.AfterFunc(d, fn)
}

// armDurationLimit starts the one-shot call duration timer.
func (c *Call) armDurationLimit(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.durationTimer = time.AfterFunc(d, fn)
}

// stopTimers cancels both timers. Safe to call repeatedly.
func (c *Call) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.durationTimer != nil {
		c.durationTimer.Stop()
		c.durationTimer = nil
	}
}

// signalDrained posts one drain-edge token without blocking. Called from
// the sender's pacing goroutine.
func (c *Call) signalDrained() {
	select {
	case c.drained <- struct{}{}:
	default:
	}
}

// drainStale discards a token left over from an earlier drain edge so
// the terminate waiter only sees edges after arming.
func (c *Call) drainStale() {
	select {
	case <-c.drained:
	default:
	}
}
