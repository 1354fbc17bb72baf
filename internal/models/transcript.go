// Package models defines the data structures for provider webhooks and transcript events.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook event names sent by the meeting-bot provider.
const (
	EventStatusChange      = "bot.status_change"
	EventTranscriptData    = "transcript.data"
	EventTranscriptPartial = "transcript.partial_data"
)

// Provider tags the payload shape a fragment was normalized from.
type Provider string

const (
	// ProviderCaption - the meeting platform's native captions (array payload).
	ProviderCaption Provider = "caption"
	// ProviderWordStream - streaming ASR with word timestamps (participant+words payload).
	ProviderWordStream Provider = "word-stream"
)

// Speaker identifies who produced a fragment. ID is the merge key.
type Speaker struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// DefaultSpeakerName is the display name used when the provider sends none.
func DefaultSpeakerName(id int64) string {
	return fmt.Sprintf("Speaker %d", id)
}

// Fragment is one normalized unit of transcribed text.
type Fragment struct {
	Speaker   Speaker       `json:"speaker"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Offset    time.Duration `json:"offset,omitempty"` // relative to recording start, when known
	IsPartial bool          `json:"isPartial"`
	Provider  Provider      `json:"provider"`
}

// WebhookEnvelope is the body of every provider webhook call.
type WebhookEnvelope struct {
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

// WebhookData carries the bot reference and event-specific payload.
type WebhookData struct {
	Bot    BotRef          `json:"bot"`
	Status json.RawMessage `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// BotRef is the provider's reference to a bot.
type BotRef struct {
	ID string `json:"id"`
}

// StatusCode extracts the lifecycle status, which providers send either as a
// plain string or as an object with a "code" field.
func (d WebhookData) StatusCode() string {
	if len(d.Status) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(d.Status, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(d.Status, &obj); err == nil {
		return strings.TrimSpace(obj.Code)
	}
	return ""
}

// ParticipantID accepts numeric ids sent either as JSON numbers or strings.
type ParticipantID int64

// UnmarshalJSON implements json.Unmarshaler.
func (p *ParticipantID) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("participant id %q: %w", raw, err)
	}
	*p = ParticipantID(n)
	return nil
}

// Participant is a meeting participant as described by the provider.
type Participant struct {
	ID       ParticipantID `json:"id"`
	Name     string        `json:"name,omitempty"`
	IsHost   bool          `json:"is_host,omitempty"`
	Platform string        `json:"platform,omitempty"`
}

// WordTimestamp is a word boundary, absolute (ISO-8601) and/or relative (seconds).
type WordTimestamp struct {
	Relative *float64 `json:"relative,omitempty"`
	Absolute string   `json:"absolute,omitempty"`
}

// Word is a single transcribed word.
type Word struct {
	Text           string         `json:"text"`
	StartTimestamp *WordTimestamp `json:"start_timestamp,omitempty"`
	EndTimestamp   *WordTimestamp `json:"end_timestamp,omitempty"`
}

// TranscriptPayload is the participant+words shape. Caption payloads are an
// array of these; some caption sources send Speaker/Text instead.
type TranscriptPayload struct {
	Participant *Participant `json:"participant,omitempty"`
	Words       []Word       `json:"words,omitempty"`
	Speaker     string       `json:"speaker,omitempty"`
	Text        string       `json:"text,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}
