package openairt

import (
	"reflect"
	"testing"
)

func TestParsePhraseList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			"single quoted entries",
			"'goodbye','see you later'",
			[]string{"goodbye", "see you later"},
		},
		{
			"mixed case and spacing",
			" 'Goodbye' , 'Thank You For Calling' ",
			[]string{"goodbye", "thank you for calling"},
		},
		{
			"unquoted entries",
			"goodbye,bye now",
			[]string{"goodbye", "bye now"},
		},
		{
			"empty entries dropped",
			"'goodbye',,''",
			[]string{"goodbye"},
		},
		{
			"empty string",
			"",
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePhraseList(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePhraseList(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestMatchPhrase(t *testing.T) {
	phrases := ParsePhraseList("'goodbye','connecting you to'")

	tests := []struct {
		name       string
		transcript string
		wantPhrase string
		wantOK     bool
	}{
		{"exact", "goodbye", "goodbye", true},
		{"substring", "Okay then, goodbye!", "goodbye", true},
		{"case folded", "GOODBYE", "goodbye", true},
		{"fullwidth NFKC folds", "ｇｏｏｄｂｙｅ", "goodbye", true},
		{"second phrase", "connecting you to the technical department", "connecting you to", true},
		{"no match", "hello there", "", false},
		{"empty transcript", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phrase, ok := MatchPhrase(tt.transcript, phrases)
			if ok != tt.wantOK || phrase != tt.wantPhrase {
				t.Errorf("MatchPhrase(%q) = (%q, %v), want (%q, %v)",
					tt.transcript, phrase, ok, tt.wantPhrase, tt.wantOK)
			}
		})
	}
}

func TestNormalizeTurnDetection(t *testing.T) {
	t.Run("server_vad carries tuning knobs", func(t *testing.T) {
		td := normalizeTurnDetection("server_vad", 0.4, 150, 500)
		if td["type"] != "server_vad" {
			t.Errorf("type = %v", td["type"])
		}
		if td["threshold"] != 0.4 {
			t.Errorf("threshold = %v, want 0.4", td["threshold"])
		}
		if td["prefix_padding_ms"] != 150 {
			t.Errorf("prefix_padding_ms = %v, want 150", td["prefix_padding_ms"])
		}
		if td["silence_duration_ms"] != 500 {
			t.Errorf("silence_duration_ms = %v, want 500", td["silence_duration_ms"])
		}
	})

	t.Run("semantic_vad carries only the type", func(t *testing.T) {
		td := normalizeTurnDetection("semantic_vad", 0.4, 150, 500)
		if len(td) != 1 || td["type"] != "semantic_vad" {
			t.Errorf("semantic_vad object = %v", td)
		}
	})

	t.Run("unknown type falls back to server_vad defaults", func(t *testing.T) {
		td := normalizeTurnDetection("bogus", 0, 0, 0)
		if td["type"] != "server_vad" {
			t.Errorf("type = %v", td["type"])
		}
		if td["threshold"] != defaultVADThreshold {
			t.Errorf("threshold = %v, want %v", td["threshold"], defaultVADThreshold)
		}
		if td["prefix_padding_ms"] != defaultVADPrefixPaddingMs {
			t.Errorf("prefix_padding_ms = %v", td["prefix_padding_ms"])
		}
		if td["silence_duration_ms"] != defaultVADSilenceDurationMs {
			t.Errorf("silence_duration_ms = %v", td["silence_duration_ms"])
		}
	})

	t.Run("out of range threshold coerced", func(t *testing.T) {
		td := normalizeTurnDetection("server_vad", 7.5, 200, 600)
		if td["threshold"] != defaultVADThreshold {
			t.Errorf("threshold = %v, want default", td["threshold"])
		}
	})
}

func TestIsUlawSilence(t *testing.T) {
	silence := make([]byte, 321)
	for i := range silence {
		silence[i] = 0x7F
	}
	if !isUlawSilence(silence) {
		t.Error("all-0x7F buffer should be silence")
	}

	speech := append([]byte(nil), silence...)
	speech[200] = 0x12
	if isUlawSilence(speech) {
		t.Error("buffer with signal should not be silence")
	}

	if !isUlawSilence(nil) {
		t.Error("empty buffer counts as silence")
	}
}
