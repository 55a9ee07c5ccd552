package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/ari"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/email"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/rtp"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/transcript"
)

const (
	// The external-leg handler polls for the external-to-call mapping up
	// to externalMapAttempts times, externalMapInterval apart.
	externalMapAttempts = 10
	externalMapInterval = 50 * time.Millisecond

	// localChannelPrefix marks pseudo-legs that never start a call.
	localChannelPrefix = "Local/"

	// externalChannelPrefix marks the media legs we originate ourselves.
	externalChannelPrefix = "UnicastRTP"

	// pbxTimeout bounds each individual control action.
	pbxTimeout = 10 * time.Second
)

// PBX is the control surface the orchestrator drives. *ari.Client
// implements it; tests substitute a fake.
type PBX interface {
	AnswerChannel(ctx context.Context, channelID string) error
	HangupChannel(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context, bridgeID string) (*ari.Bridge, error)
	DestroyBridge(ctx context.Context, bridgeID string) error
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	ExternalMedia(ctx context.Context, channelID, externalHost string) (*ari.Channel, error)
	ContinueInDialplan(ctx context.Context, channelID, dialContext, extension string, priority int) error
}

// Mailer sends the post-cleanup transcript email.
type Mailer interface {
	SendTranscript(ctx context.Context, t email.Transcript) error
}

// SessionFactory builds the per-call realtime session once the media
// plumbing is in place. The orchestrator passes itself as the trigger
// receiver and the registry membership check as the retry gate.
type SessionFactory func(c *Call) AISession

// Config carries the orchestrator's tunables.
type Config struct {
	RTPHost                 string // bind/advertise host for media, normally 127.0.0.1
	RecordingsDir           string
	MaxQueuePackets         int
	CallDurationLimit       time.Duration // zero disables the cap
	CleanupGrace            time.Duration
	TerminateFallback       time.Duration
	TerminateWatchdog       time.Duration
	RedirectionQueue        string
	RedirectionQueueContext string
	EmailEnabled            bool
}

// Orchestrator consumes PBX events and owns every call's lifecycle from
// StasisStart to the idempotent teardown.
type Orchestrator struct {
	pbx        PBX
	pool       *rtp.Pool
	reg        *Registry
	mailer     Mailer
	newSession SessionFactory
	cfg        Config
	logger     *slog.Logger
}

// NewOrchestrator wires the orchestrator. mailer may be nil when email
// is disabled.
func NewOrchestrator(pbx PBX, pool *rtp.Pool, reg *Registry, mailer Mailer, factory SessionFactory, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.RTPHost == "" {
		cfg.RTPHost = "127.0.0.1"
	}
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = 1500 * time.Millisecond
	}
	if cfg.TerminateFallback <= 0 {
		cfg.TerminateFallback = 8 * time.Second
	}
	if cfg.TerminateWatchdog <= 0 {
		cfg.TerminateWatchdog = 8 * time.Second
	}
	return &Orchestrator{
		pbx:        pbx,
		pool:       pool,
		reg:        reg,
		mailer:     mailer,
		newSession: factory,
		cfg:        cfg,
		logger:     logger.With("subsystem", "orchestrator"),
	}
}

// Registry exposes the registry for health and metrics providers.
func (o *Orchestrator) Registry() *Registry {
	return o.reg
}

// OnStasisStart routes a channel entering the application: external
// media legs are joined to their bridge, SIP legs start a new call.
func (o *Orchestrator) OnStasisStart(ev *ari.StasisStart) {
	name := ev.Channel.Name
	if strings.HasPrefix(name, localChannelPrefix) {
		o.logger.Debug("ignoring local pseudo-leg", "channel", name)
		return
	}
	if strings.HasPrefix(name, externalChannelPrefix) {
		go o.attachExternalLeg(ev.Channel.ID)
		return
	}
	go o.startCall(&ev.Channel)
}

// OnStasisEnd handles a leg leaving the application.
func (o *Orchestrator) OnStasisEnd(ev *ari.StasisEnd) {
	o.legEnded(ev.Channel.ID)
}

// OnChannelDestroyed handles a leg being torn down before or after it
// left the application.
func (o *Orchestrator) OnChannelDestroyed(ev *ari.ChannelDestroyed) {
	o.legEnded(ev.Channel.ID)
}

// OnBridgeDestroyed tears the owning call down when its bridge vanishes
// out from under it.
func (o *Orchestrator) OnBridgeDestroyed(ev *ari.BridgeDestroyed) {
	for _, c := range o.reg.Live() {
		if c.BridgeID == ev.Bridge.ID {
			go o.Cleanup(c.ID, ReasonBridgeDestroyed)
			return
		}
	}
	o.logger.Info("bridge destroyed for unknown call", "bridge_id", ev.Bridge.ID)
}

// startCall runs the full setup sequence for a new SIP leg. Any failure
// routes through the normal cleanup with a setup-error reason, so partial
// resources are reclaimed the same way as live ones.
func (o *Orchestrator) startCall(ch *ari.Channel) {
	callerID := callerIdentity(ch)
	logger := o.logger.With("call_id", ch.ID, "caller", callerID)
	logger.Info("call entering", "channel", ch.Name)

	c := newCall(ch.ID, callerID)

	if err := o.setupCall(c, logger); err != nil {
		logger.Error("call setup failed", "error", err)
		if o.reg.Get(c.ID) == nil {
			// Rejected before registration (capacity); no resources to
			// reclaim beyond the leg itself.
			ctx, cancel := context.WithTimeout(context.Background(), pbxTimeout)
			defer cancel()
			if err := o.pbx.HangupChannel(ctx, c.ID); err != nil && !ari.IsNotFound(err) {
				logger.Warn("hanging up rejected call", "error", err)
			}
			return
		}
		o.Cleanup(c.ID, ReasonSetupError)
		return
	}
	logger.Info("call active", "rtp_port", c.RTPPort, "bridge_id", c.BridgeID)
}

func (o *Orchestrator) setupCall(c *Call, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), pbxTimeout)
	defer cancel()

	if err := o.reg.Insert(c); err != nil {
		return err
	}

	c.BridgeID = uuid.NewString()
	if _, err := o.pbx.CreateBridge(ctx, c.BridgeID); err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := o.pbx.AddChannelToBridge(ctx, c.BridgeID, c.ID); err != nil {
		return fmt.Errorf("adding SIP leg to bridge: %w", err)
	}
	if err := o.pbx.AnswerChannel(ctx, c.ID); err != nil {
		return fmt.Errorf("answering: %w", err)
	}

	port, err := o.pool.Acquire()
	if err != nil {
		return fmt.Errorf("acquiring RTP port: %w", err)
	}
	c.RTPPort = port

	recv, err := rtp.NewReceiver(port, func(payload []byte) {
		if s := c.Session(); s != nil {
			s.SendCallerAudio(payload)
		}
	}, logger)
	if err != nil {
		return fmt.Errorf("starting RTP receiver: %w", err)
	}
	c.Receiver = recv

	sender, err := rtp.NewSender(recv.Remote, o.cfg.MaxQueuePackets, logger)
	if err != nil {
		return fmt.Errorf("starting RTP sender: %w", err)
	}
	c.Sender = sender
	sender.OnDrained(c.signalDrained)

	c.Transcript = transcript.NewWriter(o.cfg.RecordingsDir, c.CallerID, c.ID, logger)

	c.ExternalID = uuid.NewString()
	o.reg.MapExternal(c.ExternalID, c.ID)
	host := fmt.Sprintf("%s:%d", o.cfg.RTPHost, c.RTPPort)
	if _, err := o.pbx.ExternalMedia(ctx, c.ExternalID, host); err != nil {
		return fmt.Errorf("originating external media leg: %w", err)
	}

	if o.cfg.CallDurationLimit > 0 {
		c.armDurationLimit(o.cfg.CallDurationLimit, func() {
			// A redirected call's SIP leg belongs to the dialplan now.
			if c.Redirecting() {
				logger.Info("duration limit reached after redirect, leaving SIP leg alone")
				return
			}
			logger.Info("call duration limit reached, hanging up")
			hctx, hcancel := context.WithTimeout(context.Background(), pbxTimeout)
			defer hcancel()
			if err := o.pbx.HangupChannel(hctx, c.ID); err != nil && !ari.IsNotFound(err) {
				logger.Warn("duration-limit hangup failed", "error", err)
				go o.Cleanup(c.ID, ReasonDurationLimit)
			}
		})
	}

	sess := o.newSession(c)
	c.setSession(sess)
	sender.Start()
	if err := sess.Start(); err != nil {
		return fmt.Errorf("starting realtime session: %w", err)
	}
	return nil
}

// attachExternalLeg joins the media leg to its call's bridge, waiting
// briefly for the mapping the originator writes just before the request.
func (o *Orchestrator) attachExternalLeg(externalID string) {
	var c *Call
	for i := 0; i < externalMapAttempts; i++ {
		if c = o.reg.CallByExternal(externalID); c != nil {
			break
		}
		time.Sleep(externalMapInterval)
	}
	if c == nil {
		o.logger.Error("external leg has no owning call", "external_id", externalID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pbxTimeout)
	defer cancel()
	if err := o.pbx.AddChannelToBridge(ctx, c.BridgeID, externalID); err != nil {
		o.logger.Error("adding external leg to bridge", "call_id", c.ID, "error", err)
		return
	}
	o.logger.Info("external media leg bridged", "call_id", c.ID, "external_id", externalID)
}

// legEnded resolves a StasisEnd/ChannelDestroyed to its call, flips the
// matching end flag and schedules cleanup.
func (o *Orchestrator) legEnded(channelID string) {
	if o.reg.Cleaned(channelID) || o.reg.IgnoredExternal(channelID) {
		o.logger.Info("dropping late leg-end event", "channel_id", channelID)
		return
	}

	external := false
	c := o.reg.Get(channelID)
	if c == nil {
		c = o.reg.CallByExternal(channelID)
		external = true
	}
	if c == nil {
		o.logger.Info("leg-end for unknown channel", "channel_id", channelID)
		return
	}

	if c.markLegEnded(external) {
		go o.Cleanup(c.ID, ReasonBothEnded)
		return
	}
	c.armGrace(o.cfg.CleanupGrace, func() {
		o.Cleanup(c.ID, ReasonGraceTimeout)
	})
}

// callerIdentity derives the printable caller identity: number first,
// then name, then the connected line, else "unknown".
func callerIdentity(ch *ari.Channel) string {
	for _, v := range []string{ch.Caller.Number, ch.Caller.Name, ch.Connected.Number, ch.Connected.Name} {
		if v != "" {
			return v
		}
	}
	return "unknown"
}

// RedirectRequested is the session's queue-handoff trigger. It runs on
// the session's reader goroutine, so the work is handed off.
func (o *Orchestrator) RedirectRequested(callID, phrase string) {
	c := o.reg.Get(callID)
	if c == nil {
		o.logger.Info("redirect trigger for unknown call", "call_id", callID)
		return
	}
	go o.redirectToQueue(c, phrase)
}

// TerminateRequested is the session's farewell trigger. Teardown waits
// for playback to drain first.
func (o *Orchestrator) TerminateRequested(callID, phrase string) {
	c := o.reg.Get(callID)
	if c == nil {
		o.logger.Info("terminate trigger for unknown call", "call_id", callID)
		return
	}
	go o.terminateAfterPlayback(c, phrase)
}

// redirectToQueue tears the media path down and hands the SIP leg back
// to the dialplan. Every step is best-effort; the SIP leg is hung up
// only if no dialplan context accepts it.
func (o *Orchestrator) redirectToQueue(c *Call, phrase string) {
	logger := o.logger.With("call_id", c.ID, "phrase", phrase)
	if o.cfg.RedirectionQueue == "" {
		logger.Warn("redirect requested but no queue configured")
		return
	}
	if !c.beginRedirect() {
		logger.Info("redirect skipped, call already redirecting or terminating")
		return
	}
	logger.Info("redirecting call to queue", "queue", o.cfg.RedirectionQueue)

	// The duration and grace timers must not fire against a leg that is
	// being handed back to the dialplan.
	c.stopTimers()

	if s := c.Session(); s != nil {
		s.Close()
	}
	c.Sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), pbxTimeout)
	defer cancel()

	o.reg.IgnoreExternal(c.ExternalID)
	if err := o.pbx.HangupChannel(ctx, c.ExternalID); err != nil && !ari.IsNotFound(err) {
		logger.Warn("hanging up external leg", "error", err)
	}
	if err := o.pbx.DestroyBridge(ctx, c.BridgeID); err != nil && !ari.IsNotFound(err) {
		logger.Warn("destroying bridge", "error", err)
	}
	c.Receiver.Close()
	o.pool.Release(c.RTPPort)

	contexts := make([]string, 0, 3)
	if o.cfg.RedirectionQueueContext != "" {
		contexts = append(contexts, o.cfg.RedirectionQueueContext)
	}
	contexts = append(contexts, "ext-queues", "from-internal")

	for _, dialCtx := range contexts {
		if err := o.pbx.ContinueInDialplan(ctx, c.ID, dialCtx, o.cfg.RedirectionQueue, 1); err != nil {
			logger.Warn("continue in dialplan failed", "context", dialCtx, "error", err)
			continue
		}
		logger.Info("call handed to queue", "context", dialCtx)
		return
	}

	logger.Error("all dialplan contexts rejected the handoff, hanging up")
	if err := o.pbx.HangupChannel(ctx, c.ID); err != nil && !ari.IsNotFound(err) {
		logger.Warn("last-resort hangup failed", "error", err)
	}
}

// terminateAfterPlayback waits for the farewell to finish playing, then
// tears the call down. A fallback timeout guards against a drain edge
// that never comes.
func (o *Orchestrator) terminateAfterPlayback(c *Call, phrase string) {
	logger := o.logger.With("call_id", c.ID, "phrase", phrase)
	if !c.armTerminate() {
		logger.Info("terminate skipped, call already redirecting or terminating")
		return
	}

	// Watchdog over the whole termination path, in case the drain wait or
	// the teardown itself wedges. Cleanup is idempotent, so a late fire
	// against an already-cleaned call is a no-op.
	watchdog := time.AfterFunc(o.cfg.TerminateWatchdog+o.cfg.TerminateFallback, func() {
		if o.reg.Get(c.ID) != nil {
			logger.Warn("termination watchdog fired, forcing teardown")
			o.Cleanup(c.ID, TerminateReason(phrase))
		}
	})
	defer watchdog.Stop()

	c.drainStale()
	if c.Sender.QueueEmpty() {
		logger.Info("terminate requested with empty playback queue")
		o.Cleanup(c.ID, TerminateReason(phrase))
		return
	}

	logger.Info("terminate armed, waiting for playback drain")
	select {
	case <-c.drained:
		logger.Info("playback drained")
	case <-time.After(o.cfg.TerminateFallback):
		logger.Warn("playback drain timeout, forcing teardown")
	}
	o.Cleanup(c.ID, TerminateReason(phrase))
}

// Cleanup is the single idempotent teardown path. The first caller for a
// call ID runs the sequence; concurrent callers wait for it. Every step
// is best-effort so one failure never strands later resources.
func (o *Orchestrator) Cleanup(callID string, reason Reason) {
	done, first := o.reg.BeginCleanup(callID)
	if !first {
		<-done
		return
	}
	defer o.reg.FinishCleanup(callID)

	c := o.reg.Get(callID)
	if c == nil {
		return
	}
	logger := o.logger.With("call_id", callID, "reason", string(reason))
	logger.Info("cleaning up call")

	o.reg.IgnoreExternal(c.ExternalID)
	c.stopTimers()

	if c.Sender != nil {
		c.Sender.Close()
	}
	if s := c.Session(); s != nil {
		s.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), pbxTimeout)
	defer cancel()

	if c.ExternalID != "" {
		if err := o.pbx.HangupChannel(ctx, c.ExternalID); err != nil && !ari.IsNotFound(err) {
			logger.Warn("hanging up external leg", "error", err)
		}
	}
	if c.BridgeID != "" {
		if err := o.pbx.DestroyBridge(ctx, c.BridgeID); err != nil && !ari.IsNotFound(err) {
			logger.Warn("destroying bridge", "error", err)
		}
	}
	if !c.Redirecting() {
		if err := o.pbx.HangupChannel(ctx, c.ID); err != nil && !ari.IsNotFound(err) {
			logger.Warn("hanging up SIP leg", "error", err)
		}
	}

	if c.Receiver != nil {
		c.Receiver.Close()
	}
	if c.RTPPort != 0 {
		o.pool.Release(c.RTPPort)
	}
	if c.Transcript != nil {
		c.Transcript.Close()
	}
	o.reg.UnmapExternal(c.ExternalID)

	if o.cfg.EmailEnabled && o.mailer != nil && c.Transcript != nil && !c.Redirecting() {
		t := email.Transcript{
			CallID:   c.ID,
			CallerID: c.CallerID,
			FilePath: c.Transcript.Path(),
			Reason:   string(reason),
		}
		if err := o.mailer.SendTranscript(ctx, t); err != nil {
			logger.Warn("transcript email failed", "error", err)
		}
	}

	logger.Info("call cleaned", "duration_s", int(time.Since(c.Started).Seconds()))
}

// Shutdown tears all live calls down in parallel, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	live := o.reg.Live()
	if len(live) == 0 {
		return nil
	}
	o.logger.Info("shutting down, cleaning live calls", "count", len(live))

	g, _ := errgroup.WithContext(ctx)
	for _, c := range live {
		c := c
		g.Go(func() error {
			o.Cleanup(c.ID, ReasonShutdown)
			return nil
		})
	}

	finished := make(chan error, 1)
	go func() { finished <- g.Wait() }()
	select {
	case err := <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
