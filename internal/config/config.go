// Package config loads the bridge configuration from CLI flags and
// environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voice bridge.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	// PBX control
	ARIURL      string
	ARIUsername string
	ARIPassword string
	ARIApp      string

	// Realtime endpoint
	OpenAIAPIKey          string
	RealtimeURL           string
	RealtimeModel         string
	Voice                 string
	SystemPrompt          string
	InitialMessage        string
	TranscriptionModel    string
	TranscriptionLanguage string

	// Voice activity detection
	VADType              string
	VADThreshold         float64
	VADPrefixPaddingMs   int
	VADSilenceDurationMs int

	// Phrase triggers
	RedirectionQueue        string
	RedirectionQueueContext string
	RedirectionPhrases      string
	TerminatePhrases        string

	// Media
	RTPPortStart       int
	MaxConcurrentCalls int
	SilencePaddingMs   int
	RecordingsDir      string

	// Lifecycle timing
	CallDurationLimitSeconds int
	CleanupGraceMs           int
	TerminateFallbackMs      int
	TerminationWatchdogMs    int
	ShutdownTimeoutMs        int

	// Health / observability
	HealthPort int
	LogLevel   string
	LogFormat  string

	// Transcript email
	EmailEnabled         bool
	SMTPHost             string
	SMTPPort             string
	SMTPSecure           bool
	SMTPUser             string
	SMTPPass             string
	EmailFrom            string
	EmailTo              string
	EmailSubjectTemplate string
	EmailBodyTemplate    string
}

// defaults
const (
	defaultARIURL               = "http://127.0.0.1:8088"
	defaultARIApp               = "openai-voice-bridge"
	defaultRealtimeURL          = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel        = "gpt-4o-realtime-preview"
	defaultVoice                = "alloy"
	defaultInitialMessage       = "Hi"
	defaultTranscriptionModel   = "whisper-1"
	defaultRecordingsDir        = "/var/spool/asterisk/monitor"
	defaultVADType              = "server_vad"
	defaultVADThreshold         = 0.6
	defaultVADPrefixPaddingMs   = 200
	defaultVADSilenceDurationMs = 600
	defaultRTPPortStart         = 12000
	defaultMaxConcurrentCalls   = 10
	defaultSilencePaddingMs     = 100
	defaultCleanupGraceMs       = 1500
	defaultTerminateFallbackMs  = 8000
	defaultWatchdogMs           = 8000
	defaultShutdownTimeoutMs    = 8000
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
)

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("asterisk-openai-rt", flag.ContinueOnError)

	fs.StringVar(&cfg.ARIURL, "ari-url", defaultARIURL, "ARI HTTP base URL")
	fs.StringVar(&cfg.ARIUsername, "ari-username", "", "ARI username")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	fs.StringVar(&cfg.ARIApp, "ari-app", defaultARIApp, "Stasis application name")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key")
	fs.StringVar(&cfg.RealtimeURL, "realtime-url", defaultRealtimeURL, "realtime WebSocket endpoint")
	fs.StringVar(&cfg.RealtimeModel, "realtime-model", defaultRealtimeModel, "realtime model name")
	fs.StringVar(&cfg.Voice, "openai-voice", defaultVoice, "assistant voice")
	fs.StringVar(&cfg.SystemPrompt, "system-prompt", "", "assistant system prompt")
	fs.StringVar(&cfg.InitialMessage, "initial-message", defaultInitialMessage, "first user message sent on connect")
	fs.StringVar(&cfg.TranscriptionModel, "transcription-model", defaultTranscriptionModel, "input transcription model, empty disables")
	fs.StringVar(&cfg.TranscriptionLanguage, "transcription-language", "", "input transcription language hint")
	fs.StringVar(&cfg.VADType, "vad-type", defaultVADType, "turn detection type (server_vad, semantic_vad)")
	fs.Float64Var(&cfg.VADThreshold, "vad-threshold", defaultVADThreshold, "server_vad activation threshold")
	fs.IntVar(&cfg.VADPrefixPaddingMs, "vad-prefix-padding-ms", defaultVADPrefixPaddingMs, "server_vad prefix padding")
	fs.IntVar(&cfg.VADSilenceDurationMs, "vad-silence-duration-ms", defaultVADSilenceDurationMs, "server_vad end-of-turn silence")
	fs.StringVar(&cfg.RedirectionQueue, "redirection-queue", "", "queue extension for assistant handoff, empty disables")
	fs.StringVar(&cfg.RedirectionQueueContext, "redirection-queue-context", "", "preferred dialplan context for handoff")
	fs.StringVar(&cfg.RedirectionPhrases, "redirection-phrases", "", "quoted, comma-separated handoff phrases")
	fs.StringVar(&cfg.TerminatePhrases, "agent-terminate-phrases", "", "quoted, comma-separated farewell phrases")
	fs.IntVar(&cfg.RTPPortStart, "rtp-port-start", defaultRTPPortStart, "first UDP port of the RTP pool")
	fs.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", defaultMaxConcurrentCalls, "concurrent call cap and pool size")
	fs.IntVar(&cfg.SilencePaddingMs, "silence-padding-ms", defaultSilencePaddingMs, "silence prefix before each response")
	fs.StringVar(&cfg.RecordingsDir, "recordings-dir", defaultRecordingsDir, "transcript output directory")
	fs.IntVar(&cfg.CallDurationLimitSeconds, "call-duration-limit-seconds", 0, "hard call duration cap, 0 disables")
	fs.IntVar(&cfg.CleanupGraceMs, "cleanup-grace-ms", defaultCleanupGraceMs, "debounce before cleanup after one leg ends")
	fs.IntVar(&cfg.TerminateFallbackMs, "terminate-fallback-ms", defaultTerminateFallbackMs, "max wait for farewell playback drain")
	fs.IntVar(&cfg.TerminationWatchdogMs, "termination-watchdog-ms", defaultWatchdogMs, "watchdog for stuck terminations")
	fs.IntVar(&cfg.ShutdownTimeoutMs, "shutdown-timeout-ms", defaultShutdownTimeoutMs, "grace period on SIGINT/SIGTERM")
	fs.IntVar(&cfg.HealthPort, "health-port", 0, "health endpoint listen port, 0 disables")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.BoolVar(&cfg.EmailEnabled, "email-enabled", false, "send transcript emails after cleanup")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server hostname")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", "587", "SMTP server port")
	fs.BoolVar(&cfg.SMTPSecure, "smtp-secure", false, "use implicit TLS instead of STARTTLS")
	fs.StringVar(&cfg.SMTPUser, "smtp-user", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPass, "smtp-pass", "", "SMTP auth password")
	fs.StringVar(&cfg.EmailFrom, "email-from", "", "transcript email sender address")
	fs.StringVar(&cfg.EmailTo, "email-to", "", "comma-separated transcript recipients")
	fs.StringVar(&cfg.EmailSubjectTemplate, "email-subject-template", "", "subject template ({{callerId}} {{channelId}} {{reason}})")
	fs.StringVar(&cfg.EmailBodyTemplate, "email-body-template", "", "body template ({{callerId}} {{channelId}} {{reason}})")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name and setter.
	overrides := []struct {
		flagName string
		envVar   string
		apply    func(string)
	}{
		{"ari-url", "ARI_URL", func(v string) { cfg.ARIURL = v }},
		{"ari-username", "ARI_USERNAME", func(v string) { cfg.ARIUsername = v }},
		{"ari-password", "ARI_PASSWORD", func(v string) { cfg.ARIPassword = v }},
		{"ari-app", "ARI_APP", func(v string) { cfg.ARIApp = v }},
		{"openai-api-key", "OPENAI_API_KEY", func(v string) { cfg.OpenAIAPIKey = v }},
		{"realtime-url", "REALTIME_URL", func(v string) { cfg.RealtimeURL = v }},
		{"realtime-model", "REALTIME_MODEL", func(v string) { cfg.RealtimeModel = v }},
		{"openai-voice", "OPENAI_VOICE", func(v string) { cfg.Voice = v }},
		{"system-prompt", "SYSTEM_PROMPT", func(v string) { cfg.SystemPrompt = v }},
		{"initial-message", "INITIAL_MESSAGE", func(v string) { cfg.InitialMessage = v }},
		{"transcription-model", "TRANSCRIPTION_MODEL", func(v string) { cfg.TranscriptionModel = v }},
		{"transcription-language", "TRANSCRIPTION_LANGUAGE", func(v string) { cfg.TranscriptionLanguage = v }},
		{"vad-type", "VAD_TYPE", func(v string) { cfg.VADType = v }},
		{"vad-threshold", "VAD_THRESHOLD", func(v string) { setFloat(&cfg.VADThreshold, v) }},
		{"vad-prefix-padding-ms", "VAD_PREFIX_PADDING_MS", func(v string) { setInt(&cfg.VADPrefixPaddingMs, v) }},
		{"vad-silence-duration-ms", "VAD_SILENCE_DURATION_MS", func(v string) { setInt(&cfg.VADSilenceDurationMs, v) }},
		{"redirection-queue", "REDIRECTION_QUEUE", func(v string) { cfg.RedirectionQueue = v }},
		{"redirection-queue-context", "REDIRECTION_QUEUE_CONTEXT", func(v string) { cfg.RedirectionQueueContext = v }},
		{"redirection-phrases", "REDIRECTION_PHRASES", func(v string) { cfg.RedirectionPhrases = v }},
		{"agent-terminate-phrases", "AGENT_TERMINATE_PHRASES", func(v string) { cfg.TerminatePhrases = v }},
		{"rtp-port-start", "RTP_PORT_START", func(v string) { setInt(&cfg.RTPPortStart, v) }},
		{"max-concurrent-calls", "MAX_CONCURRENT_CALLS", func(v string) { setInt(&cfg.MaxConcurrentCalls, v) }},
		{"silence-padding-ms", "SILENCE_PADDING_MS", func(v string) { setInt(&cfg.SilencePaddingMs, v) }},
		{"recordings-dir", "RECORDINGS_DIR", func(v string) { cfg.RecordingsDir = v }},
		{"call-duration-limit-seconds", "CALL_DURATION_LIMIT_SECONDS", func(v string) { setInt(&cfg.CallDurationLimitSeconds, v) }},
		{"cleanup-grace-ms", "CLEANUP_GRACE_MS", func(v string) { setInt(&cfg.CleanupGraceMs, v) }},
		{"terminate-fallback-ms", "TERMINATE_FALLBACK_MS", func(v string) { setInt(&cfg.TerminateFallbackMs, v) }},
		{"termination-watchdog-ms", "TERMINATION_WATCHDOG_MS", func(v string) { setInt(&cfg.TerminationWatchdogMs, v) }},
		{"shutdown-timeout-ms", "SHUTDOWN_TIMEOUT_MS", func(v string) { setInt(&cfg.ShutdownTimeoutMs, v) }},
		{"health-port", "HEALTH_PORT", func(v string) { setInt(&cfg.HealthPort, v) }},
		{"log-level", "LOG_LEVEL", func(v string) { cfg.LogLevel = v }},
		{"log-format", "LOG_FORMAT", func(v string) { cfg.LogFormat = v }},
		{"email-enabled", "EMAIL_ENABLED", func(v string) { setBool(&cfg.EmailEnabled, v) }},
		{"smtp-host", "SMTP_HOST", func(v string) { cfg.SMTPHost = v }},
		{"smtp-port", "SMTP_PORT", func(v string) { cfg.SMTPPort = v }},
		{"smtp-secure", "SMTP_SECURE", func(v string) { setBool(&cfg.SMTPSecure, v) }},
		{"smtp-user", "SMTP_USER", func(v string) { cfg.SMTPUser = v }},
		{"smtp-pass", "SMTP_PASS", func(v string) { cfg.SMTPPass = v }},
		{"email-from", "EMAIL_FROM", func(v string) { cfg.EmailFrom = v }},
		{"email-to", "EMAIL_TO", func(v string) { cfg.EmailTo = v }},
		{"email-subject-template", "EMAIL_SUBJECT_TEMPLATE", func(v string) { cfg.EmailSubjectTemplate = v }},
		{"email-body-template", "EMAIL_BODY_TEMPLATE", func(v string) { cfg.EmailBodyTemplate = v }},
	}

	for _, o := range overrides {
		if set[o.flagName] {
			continue
		}
		if val, ok := os.LookupEnv(o.envVar); ok && val != "" {
			o.apply(val)
		}
	}
}

func setInt(dst *int, val string) {
	if v, err := strconv.Atoi(val); err == nil {
		*dst = v
	}
}

func setFloat(dst *float64, val string) {
	if v, err := strconv.ParseFloat(val, 64); err == nil {
		*dst = v
	}
}

func setBool(dst *bool, val string) {
	if v, err := strconv.ParseBool(val); err == nil {
		*dst = v
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.ARIURL == "" {
		return fmt.Errorf("ari-url is required")
	}
	if c.ARIApp == "" {
		return fmt.Errorf("ari-app is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("openai-api-key is required")
	}
	if c.RTPPortStart < 1024 || c.RTPPortStart > 65000 {
		return fmt.Errorf("rtp-port-start must be between 1024 and 65000, got %d", c.RTPPortStart)
	}
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max-concurrent-calls must be at least 1, got %d", c.MaxConcurrentCalls)
	}
	if c.RTPPortStart+c.MaxConcurrentCalls > 65535 {
		return fmt.Errorf("rtp port range %d..%d exceeds 65535",
			c.RTPPortStart, c.RTPPortStart+c.MaxConcurrentCalls-1)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.EmailEnabled && (c.SMTPHost == "" || c.EmailFrom == "" || c.EmailTo == "") {
		return fmt.Errorf("email-enabled requires smtp-host, email-from and email-to")
	}

	return nil
}

// CleanupGrace returns the leg-end debounce as a duration.
func (c *Config) CleanupGrace() time.Duration {
	return time.Duration(c.CleanupGraceMs) * time.Millisecond
}

// TerminateFallback returns the farewell drain timeout as a duration.
func (c *Config) TerminateFallback() time.Duration {
	return time.Duration(c.TerminateFallbackMs) * time.Millisecond
}

// ShutdownTimeout returns the signal-handling grace as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// CallDurationLimit returns the hard call cap, zero when disabled.
func (c *Config) CallDurationLimit() time.Duration {
	return time.Duration(c.CallDurationLimitSeconds) * time.Second
}

// SMTPTLSMode maps the boolean secure switch to the mailer's TLS mode.
func (c *Config) SMTPTLSMode() string {
	if c.SMTPSecure {
		return "tls"
	}
	return "starttls"
}

// SlogHandler returns a slog.Handler configured with the configured
// format and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
