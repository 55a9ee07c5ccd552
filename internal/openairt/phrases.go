package openairt

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePhrase lower-cases and NFKC-normalizes text so transcripts
// and configured phrases compare consistently regardless of the Unicode
// forms the model emits.
func NormalizePhrase(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}

// ParsePhraseList parses a configuration value of single-quoted,
// comma-separated entries, e.g. `'goodbye','see you later'`. Entries are
// normalized for matching. Unquoted entries are accepted too, so plain
// comma-separated lists keep working.
func ParsePhraseList(raw string) []string {
	var phrases []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, "'")
		if p := NormalizePhrase(part); p != "" {
			phrases = append(phrases, p)
		}
	}
	return phrases
}

// MatchPhrase reports the first configured phrase contained in the
// transcript, using normalized substring matching.
func MatchPhrase(transcript string, phrases []string) (string, bool) {
	t := NormalizePhrase(transcript)
	if t == "" {
		return "", false
	}
	for _, p := range phrases {
		if strings.Contains(t, p) {
			return p, true
		}
	}
	return "", false
}

// normalizeTurnDetection builds the turn_detection object for
// session.update. Only server_vad and semantic_vad are accepted; anything
// else falls back to server_vad with defaults. For server_vad the three
// tuning knobs are always present and finite; for semantic_vad only the
// type is sent.
func normalizeTurnDetection(vadType string, threshold float64, prefixPaddingMs, silenceDurationMs int) map[string]any {
	switch vadType {
	case "semantic_vad":
		return map[string]any{"type": "semantic_vad"}
	case "server_vad":
	default:
		vadType = "server_vad"
	}
	if threshold <= 0 || threshold > 1 {
		threshold = defaultVADThreshold
	}
	if prefixPaddingMs <= 0 {
		prefixPaddingMs = defaultVADPrefixPaddingMs
	}
	if silenceDurationMs <= 0 {
		silenceDurationMs = defaultVADSilenceDurationMs
	}
	return map[string]any{
		"type":                vadType,
		"threshold":           threshold,
		"prefix_padding_ms":   prefixPaddingMs,
		"silence_duration_ms": silenceDurationMs,
	}
}

const (
	defaultVADThreshold         = 0.6
	defaultVADPrefixPaddingMs   = 200
	defaultVADSilenceDurationMs = 600
)
