// Package openairt implements the per-call WebSocket session toward the
// realtime conversational endpoint: session configuration, the event
// demultiplexer, audio routing into the RTP sender, and the trigger
// phrases that drive queue handoff and graceful termination.
package openairt

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/rtp"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/transcript"
)

const (
	// defaultMaxRetries is how many times the initial connection is
	// attempted before the call is given up.
	defaultMaxRetries = 3

	// defaultRetryDelay spaces connection attempts.
	defaultRetryDelay = time.Second

	// closeSettle bounds how long Close waits for the reader to drain
	// after the close frame is sent.
	closeSettle = 300 * time.Millisecond
)

// Triggers crosses the session to orchestrator boundary. Both methods
// are fire-and-forget; the orchestrator re-checks the call ID against
// its registry and owns all state transitions.
type Triggers interface {
	// RedirectRequested fires when an assistant transcript matched a
	// redirection phrase.
	RedirectRequested(callID, phrase string)
	// TerminateRequested fires when an assistant transcript matched a
	// terminate phrase. It must not tear the call down before playback
	// of the farewell has drained.
	TerminateRequested(callID, phrase string)
}

// RegisteredFunc reports whether the call is still present in the
// registry. Connection retries are suppressed once it returns false.
type RegisteredFunc func(callID string) bool

// Config carries everything a session needs to open and steer the
// realtime connection.
type Config struct {
	URL    string // wss endpoint, model appended as a query parameter
	Model  string
	APIKey string

	Voice                 string
	SystemPrompt          string
	InitialMessage        string
	TranscriptionModel    string
	TranscriptionLanguage string

	VADType              string
	VADThreshold         float64
	VADPrefixPaddingMs   int
	VADSilenceDurationMs int

	SilencePaddingMs int

	TerminatePhrases []string
	RedirectPhrases  []string

	MaxRetries int
	RetryDelay time.Duration
}

// Session is the per-call realtime client. All server events are handled
// on a single reader goroutine, which preserves event order without the
// cooperative tick pump the protocol otherwise needs.
type Session struct {
	callID     string
	cfg        Config
	sender     *rtp.Sender
	transcript *transcript.Writer
	triggers   Triggers
	registered RegisteredFunc
	logger     *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	closed    atomic.Bool
	readerEnd chan struct{}
	closeOnce sync.Once

	totalDeltaBytes atomic.Uint64

	// per-response demux state, touched only on the reader goroutine
	deltaSeen      bool
	terminateFired bool
	redirectFired  bool
}

// NewSession creates a session; Start must be called to connect.
func NewSession(callID string, cfg Config, sender *rtp.Sender, tw *transcript.Writer, triggers Triggers, registered RegisteredFunc, logger *slog.Logger) *Session {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Session{
		callID:     callID,
		cfg:        cfg,
		sender:     sender,
		transcript: tw,
		triggers:   triggers,
		registered: registered,
		logger:     logger.With("subsystem", "openai-rt", "call_id", callID),
		readerEnd:  make(chan struct{}),
	}
}

// Start dials the endpoint, performs the opening handshake
// (session.update, initial user message, response.create) and launches
// the reader. Connection failures are retried with fixed spacing, but
// only while the call is still registered.
func (s *Session) Start() error {
	var conn *websocket.Conn
	var err error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if s.closed.Load() || !s.registered(s.callID) {
			return fmt.Errorf("call %s no longer registered, aborting realtime connect", s.callID)
		}
		conn, err = s.dial()
		if err == nil {
			break
		}
		s.logger.Warn("realtime connect failed", "attempt", attempt, "error", err)
		if attempt < s.cfg.MaxRetries {
			time.Sleep(s.cfg.RetryDelay)
		}
	}
	if err != nil {
		return fmt.Errorf("connecting to realtime endpoint: %w", err)
	}

	// Close may have run while the dial was in flight; a connection
	// attached after that point would never be torn down again.
	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		conn.Close()
		return fmt.Errorf("session for call %s closed during connect", s.callID)
	}
	s.conn = conn
	s.writeMu.Unlock()

	if err := s.handshake(); err != nil {
		conn.Close()
		return err
	}

	go s.readLoop()
	return nil
}

func (s *Session) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := s.cfg.URL
	if s.cfg.Model != "" {
		url += "?model=" + s.cfg.Model
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, header)
	return conn, err
}

// handshake sends session.update followed by the initial user message
// and a response request, so the assistant speaks first.
func (s *Session) handshake() error {
	update := sessionUpdate{
		Type: typeSessionUpdate,
		Session: sessionConfig{
			Modalities:        []string{"audio", "text"},
			Voice:             s.cfg.Voice,
			Instructions:      s.cfg.SystemPrompt,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			TurnDetection: normalizeTurnDetection(
				s.cfg.VADType, s.cfg.VADThreshold, s.cfg.VADPrefixPaddingMs, s.cfg.VADSilenceDurationMs),
		},
	}
	if s.cfg.TranscriptionModel != "" {
		update.Session.InputAudioTranscription = &transcriptionConfig{
			Model:    s.cfg.TranscriptionModel,
			Language: s.cfg.TranscriptionLanguage,
		}
	}
	if err := s.writeJSON(update); err != nil {
		return fmt.Errorf("sending session.update: %w", err)
	}

	initial := s.cfg.InitialMessage
	if initial == "" {
		initial = "Hi"
	}
	msg := itemCreate{
		Type: typeItemCreate,
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []itemContent{
				{Type: "input_text", Text: initial},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("sending initial message: %w", err)
	}
	if err := s.writeJSON(responseCreate{Type: typeResponseCreate}); err != nil {
		return fmt.Errorf("requesting response: %w", err)
	}

	s.logger.Info("realtime session established", "voice", s.cfg.Voice, "model", s.cfg.Model)
	return nil
}

// SendCallerAudio forwards decapsulated ulaw bytes from the RTP receiver
// to the model. It is the Receiver's payload sink; audio arriving after
// close is dropped.
func (s *Session) SendCallerAudio(ulaw []byte) {
	if s.closed.Load() || len(ulaw) == 0 {
		return
	}
	msg := inputAudioAppend{
		Type:  typeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(ulaw),
	}
	if err := s.writeJSON(msg); err != nil {
		s.logger.Debug("dropping caller audio, write failed", "error", err)
	}
}

// TotalDeltaBytes returns the cumulative ulaw byte count received in
// audio deltas, used to estimate drain timeouts.
func (s *Session) TotalDeltaBytes() uint64 {
	return s.totalDeltaBytes.Load()
}

// Close sends a close frame and tears the connection down, waiting
// briefly for the reader to settle. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		// The conn is read under writeMu so Close either sees the
		// connection Start attached, or Start sees the closed flag and
		// refuses to attach one.
		s.writeMu.Lock()
		conn := s.conn
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeSettle))
		}
		s.writeMu.Unlock()
		if conn == nil {
			return
		}

		select {
		case <-s.readerEnd:
		case <-time.After(closeSettle):
		}
		conn.Close()
	})
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteJSON(v)
}

// readLoop drains server events in arrival order until the connection
// dies or Close is called.
func (s *Session) readLoop() {
	defer close(s.readerEnd)

	for {
		var ev serverEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			if !s.closed.Load() {
				s.logger.Warn("realtime read ended", "error", err)
				s.closed.Store(true)
			}
			return
		}
		s.handle(&ev)
	}
}

// handle demultiplexes one server event.
func (s *Session) handle(ev *serverEvent) {
	switch ev.Type {
	case typeSessionCreated, typeSessionUpdated:
		s.logger.Debug("realtime session event", "type", ev.Type)

	case typeItemCreated:
		// A user item mid-response means the caller spoke over the
		// assistant: flush queued playback immediately.
		if ev.Item != nil && ev.Item.Role == "user" {
			s.sender.StopPlayback()
			s.logger.Debug("barge-in detected, playback flushed")
		}

	case typeResponseCreated:
		s.deltaSeen = false

	case typeAudioDelta:
		s.handleAudioDelta(ev.Delta)

	case typeAudioDone:
		s.deltaSeen = false
		s.logger.Debug("response audio complete", "total_delta_bytes", s.totalDeltaBytes.Load())

	case typeTranscriptDone:
		s.handleAssistantTranscript(ev.Transcript)

	case typeInputTranscriptDone:
		s.transcript.Append(transcript.SpeakerUser, ev.Transcript)

	case typeTranscriptDelta, typeInputTranscriptDelta:
		// Streaming partials; only the completed transcripts are stored.

	case typeServerError:
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		s.logger.Error("realtime server error", "message", msg)
		s.Close()
	}
}

func (s *Session) handleAudioDelta(delta string) {
	if delta == "" {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		s.logger.Warn("invalid audio delta encoding", "error", err)
		return
	}
	if len(audio) == 0 || isUlawSilence(audio) {
		return
	}

	s.totalDeltaBytes.Add(uint64(len(audio)))

	// Lead each response with a short silence prefix to mask the clip a
	// barge-in flush leaves behind.
	if !s.deltaSeen {
		s.deltaSeen = true
		if prefix := rtp.SilencePrefix(s.cfg.SilencePaddingMs); len(prefix) > 0 {
			s.sender.Push(prefix)
		}
	}
	s.sender.Push(audio)
}

func (s *Session) handleAssistantTranscript(text string) {
	s.transcript.Append(transcript.SpeakerAssistant, text)

	if !s.terminateFired {
		if phrase, ok := MatchPhrase(text, s.cfg.TerminatePhrases); ok {
			s.terminateFired = true
			s.logger.Info("terminate phrase matched", "phrase", phrase)
			s.triggers.TerminateRequested(s.callID, phrase)
		}
	}
	if !s.redirectFired {
		if phrase, ok := MatchPhrase(text, s.cfg.RedirectPhrases); ok {
			s.redirectFired = true
			s.logger.Info("redirect phrase matched", "phrase", phrase)
			s.triggers.RedirectRequested(s.callID, phrase)
		}
	}
}

// isUlawSilence reports whether every byte is the ulaw digital-silence
// value 0x7F. Such deltas carry no audible signal and are skipped rather
// than paced out to the caller.
func isUlawSilence(audio []byte) bool {
	for len(audio) > 0 {
		n := min(len(audio), 64)
		if !bytes.Equal(audio[:n], silenceChunk[:n]) {
			return false
		}
		audio = audio[n:]
	}
	return true
}

var silenceChunk = func() [64]byte {
	var c [64]byte
	for i := range c {
		c[i] = rtp.UlawSilence
	}
	return c
}()
