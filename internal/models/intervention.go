package models

import "time"

// Event types published for interventions and bot status changes.
const (
	EventTypeInterventionUpdated   = "intervention.updated"
	EventTypeInterventionFinalized = "intervention.finalized"
	EventTypeBotStatus             = "bot.status"
)

// Intervention is a contiguous block of speech by one speaker.
type Intervention struct {
	ID             string    `json:"id"`
	BotID          string    `json:"botId"`
	Speaker        Speaker   `json:"speaker"`
	Fragments      []string  `json:"fragments"`
	Text           string    `json:"text"`
	StartedAt      time.Time `json:"startedAt"`
	LastFragmentAt time.Time `json:"lastFragmentAt"`
	IsPartial      bool      `json:"isPartial"`
	Provider       Provider  `json:"provider"`
}

// Clone returns a copy that shares no mutable state with the receiver.
func (iv Intervention) Clone() Intervention {
	out := iv
	out.Fragments = append([]string(nil), iv.Fragments...)
	return out
}

// InterventionEvent is the wire form of an intervention update, sent to
// browsers and published to Kafka.
type InterventionEvent struct {
	EventType      string   `json:"eventType"`
	BotID          string   `json:"botId"`
	InterventionID string   `json:"interventionId"`
	SpeakerID      int64    `json:"speakerId"`
	SpeakerName    string   `json:"speakerName"`
	Text           string   `json:"text"`
	IsPartial      bool     `json:"isPartial"`
	Provider       Provider `json:"provider"`
	Reason         string   `json:"reason,omitempty"`
	StartedAt      int64    `json:"startedAt"`
	Timestamp      int64    `json:"timestamp"`
}

// NewInterventionEvent builds the wire event for iv.
func NewInterventionEvent(iv Intervention, reason string) InterventionEvent {
	eventType := EventTypeInterventionUpdated
	if !iv.IsPartial {
		eventType = EventTypeInterventionFinalized
	}
	return InterventionEvent{
		EventType:      eventType,
		BotID:          iv.BotID,
		InterventionID: iv.ID,
		SpeakerID:      iv.Speaker.ID,
		SpeakerName:    iv.Speaker.Name,
		Text:           iv.Text,
		IsPartial:      iv.IsPartial,
		Provider:       iv.Provider,
		Reason:         reason,
		StartedAt:      iv.StartedAt.UnixMilli(),
		Timestamp:      iv.LastFragmentAt.UnixMilli(),
	}
}

// BotStatusEvent is sent to the owning client when a bot changes state.
type BotStatusEvent struct {
	EventType      string `json:"eventType"`
	BotID          string `json:"botId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}
