// Package normalizer converts provider transcript payloads into fragments.
//
// Two payload shapes are accepted:
//
//	[{participant, words}, ...]   caption provider, one fragment per element
//	{participant, words}          word-stream provider, exactly one fragment
//
// Anything else yields no fragments.
package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcript-relay/internal/models"
	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
)

// Normalizer turns raw transcript payloads into models.Fragment values.
// It is stateless apart from its clock and safe for concurrent use.
type Normalizer struct {
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Normalizer that stamps fragments without a timestamp with the wall clock.
func New() *Normalizer {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Normalizer with an injected clock.
func NewWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{
		now:     now,
		metrics: metrics.DefaultMetrics,
		logger:  logging.WithComponent("normalizer"),
	}
}

// Normalize converts the data.data payload of a transcript event. event is
// the webhook event name and decides IsPartial. Malformed payloads return an
// empty slice.
func (n *Normalizer) Normalize(event string, raw json.RawMessage) []models.Fragment {
	isPartial := event == models.EventTranscriptPartial

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		n.reject("empty", event)
		return nil
	}

	switch trimmed[0] {
	case '[':
		return n.normalizeCaptions(trimmed, isPartial, event)
	case '{':
		return n.normalizeWordStream(trimmed, isPartial, event)
	default:
		n.reject("unrecognized_shape", event)
		return nil
	}
}

func (n *Normalizer) normalizeCaptions(raw []byte, isPartial bool, event string) []models.Fragment {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		n.reject("malformed", event)
		return nil
	}

	out := make([]models.Fragment, 0, len(items))
	for i, item := range items {
		var p models.TranscriptPayload
		if err := json.Unmarshal(item, &p); err != nil {
			n.logger.Debug().Err(err).Int("index", i).Msg("Skipping malformed caption element")
			n.metrics.RecordFragmentDropped("malformed")
			continue
		}

		var (
			frag models.Fragment
			ok   bool
		)
		if p.Participant != nil && len(p.Words) > 0 {
			frag, ok = n.fromWords(p.Participant, p.Words)
		} else {
			frag, ok = n.fromSpeakerText(p)
		}
		if !ok {
			n.metrics.RecordFragmentDropped("empty_text")
			continue
		}
		frag.IsPartial = isPartial
		frag.Provider = models.ProviderCaption
		out = append(out, frag)
	}

	if len(out) == 0 {
		n.reject("no_fragments", event)
	}
	return out
}

func (n *Normalizer) normalizeWordStream(raw []byte, isPartial bool, event string) []models.Fragment {
	var p models.TranscriptPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		n.reject("malformed", event)
		return nil
	}
	if p.Participant == nil || p.Words == nil {
		n.reject("missing_participant_or_words", event)
		return nil
	}

	frag, ok := n.fromWords(p.Participant, p.Words)
	if !ok {
		n.reject("empty_text", event)
		return nil
	}
	frag.IsPartial = isPartial
	frag.Provider = models.ProviderWordStream
	return []models.Fragment{frag}
}

func (n *Normalizer) fromWords(participant *models.Participant, words []models.Word) (models.Fragment, bool) {
	texts := make([]string, 0, len(words))
	for _, w := range words {
		if t := strings.TrimSpace(w.Text); t != "" {
			texts = append(texts, t)
		}
	}
	text := strings.Join(texts, " ")
	if text == "" {
		return models.Fragment{}, false
	}

	id := int64(participant.ID)
	name := strings.TrimSpace(participant.Name)
	if name == "" {
		name = models.DefaultSpeakerName(id)
	}

	frag := models.Fragment{
		Speaker:   models.Speaker{ID: id, Name: name},
		Text:      text,
		Timestamp: n.now(),
	}
	if len(words) > 0 && words[0].StartTimestamp != nil {
		start := words[0].StartTimestamp
		if ts, ok := parseTimestamp(start.Absolute); ok {
			frag.Timestamp = ts
		}
		if start.Relative != nil && *start.Relative >= 0 {
			frag.Offset = time.Duration(*start.Relative * float64(time.Second))
		}
	}
	return frag, true
}

// fromSpeakerText handles caption elements that carry a speaker name and
// text instead of participant+words. Such speakers have no numeric id.
func (n *Normalizer) fromSpeakerText(p models.TranscriptPayload) (models.Fragment, bool) {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return models.Fragment{}, false
	}
	name := strings.TrimSpace(p.Speaker)
	if name == "" {
		name = models.DefaultSpeakerName(0)
	}
	frag := models.Fragment{
		Speaker:   models.Speaker{ID: 0, Name: name},
		Text:      text,
		Timestamp: n.now(),
	}
	if ts, ok := parseTimestamp(p.Timestamp); ok {
		frag.Timestamp = ts
	}
	return frag, true
}

func (n *Normalizer) reject(reason, event string) {
	n.logger.Warn().Str("reason", reason).Str("event", event).Msg("Transcript payload produced no fragments")
	n.metrics.RecordFragmentDropped(reason)
}

func parseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
