package normalizer

import (
	"encoding/json"
	"testing"
	"time"

	"meeting-transcript-relay/internal/models"
)

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return NewWithClock(func() time.Time { return fixedNow })
}

func TestNormalize_WordStream(t *testing.T) {
	n := newTestNormalizer()
	raw := json.RawMessage(`{
		"participant": {"id": 7, "name": "Ana"},
		"words": [
			{"text": "hello", "start_timestamp": {"relative": 1.5, "absolute": "2025-03-01T09:59:58.250Z"}},
			{"text": "world"}
		]
	}`)

	frags := n.Normalize(models.EventTranscriptPartial, raw)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	f := frags[0]
	if f.Text != "hello world" {
		t.Errorf("expected text 'hello world', got %q", f.Text)
	}
	if f.Speaker.ID != 7 || f.Speaker.Name != "Ana" {
		t.Errorf("unexpected speaker: %+v", f.Speaker)
	}
	if !f.IsPartial {
		t.Error("expected partial fragment for transcript.partial_data")
	}
	if f.Provider != models.ProviderWordStream {
		t.Errorf("expected word-stream provider, got %s", f.Provider)
	}
	want := time.Date(2025, 3, 1, 9, 59, 58, 250_000_000, time.UTC)
	if !f.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, f.Timestamp)
	}
	if f.Offset != 1500*time.Millisecond {
		t.Errorf("expected offset 1.5s, got %v", f.Offset)
	}
}

func TestNormalize_WordStream_FinalEventAndDefaults(t *testing.T) {
	n := newTestNormalizer()
	raw := json.RawMessage(`{"participant": {"id": "12"}, "words": [{"text": "a"}, {"text": "b"}]}`)

	frags := n.Normalize(models.EventTranscriptData, raw)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	f := frags[0]
	if f.IsPartial {
		t.Error("expected final fragment for transcript.data")
	}
	if f.Text != "a b" {
		t.Errorf("expected 'a b', got %q", f.Text)
	}
	if f.Speaker.Name != "Speaker 12" {
		t.Errorf("expected default speaker name 'Speaker 12', got %q", f.Speaker.Name)
	}
	if !f.Timestamp.Equal(fixedNow) {
		t.Errorf("expected wall-clock timestamp, got %v", f.Timestamp)
	}
}

func TestNormalize_Captions(t *testing.T) {
	n := newTestNormalizer()
	raw := json.RawMessage(`[
		{"participant": {"id": 1, "name": "A"}, "words": [{"text": "good"}, {"text": "morning"}]},
		{"participant": {"id": 2, "name": "B"}, "words": [{"text": "hi"}]}
	]`)

	frags := n.Normalize(models.EventTranscriptData, raw)
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	if frags[0].Text != "good morning" || frags[0].Speaker.ID != 1 {
		t.Errorf("unexpected first fragment: %+v", frags[0])
	}
	if frags[1].Text != "hi" || frags[1].Speaker.ID != 2 {
		t.Errorf("unexpected second fragment: %+v", frags[1])
	}
	for _, f := range frags {
		if f.Provider != models.ProviderCaption {
			t.Errorf("expected caption provider, got %s", f.Provider)
		}
	}
}

func TestNormalize_CaptionSpeakerTextElements(t *testing.T) {
	n := newTestNormalizer()
	raw := json.RawMessage(`[{"speaker": "Host", "text": "welcome everyone", "timestamp": "2025-03-01T09:00:00Z"}]`)

	frags := n.Normalize(models.EventTranscriptData, raw)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	if frags[0].Speaker.ID != 0 || frags[0].Speaker.Name != "Host" {
		t.Errorf("unexpected speaker: %+v", frags[0].Speaker)
	}
	if !frags[0].Timestamp.Equal(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp: %v", frags[0].Timestamp)
	}
}

func TestNormalize_CaptionsSkipBadElements(t *testing.T) {
	n := newTestNormalizer()
	raw := json.RawMessage(`[
		"not an object",
		{"participant": {"id": 3}, "words": []},
		{"participant": {"id": 4}, "words": [{"text": "kept"}]}
	]`)

	frags := n.Normalize(models.EventTranscriptData, raw)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	if frags[0].Speaker.ID != 4 {
		t.Errorf("expected speaker 4, got %d", frags[0].Speaker.ID)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"null", `null`},
		{"number", `42`},
		{"string", `"hello"`},
		{"broken json", `{"participant": `},
		{"object without words", `{"participant": {"id": 1}}`},
		{"object without participant", `{"words": [{"text": "x"}]}`},
		{"empty object", `{}`},
		{"empty array", `[]`},
		{"blank words", `{"participant": {"id": 1}, "words": [{"text": "  "}]}`},
		{"bad participant id", `{"participant": {"id": "abc"}, "words": [{"text": "x"}]}`},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frags := n.Normalize(models.EventTranscriptData, json.RawMessage(tt.raw))
			if len(frags) != 0 {
				t.Errorf("expected no fragments, got %+v", frags)
			}
		})
	}
}
