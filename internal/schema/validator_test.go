package schema

import (
	"errors"
	"testing"
)

func TestValidator_Validate(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"status string", `{"event":"bot.status_change","data":{"bot":{"id":"b1"},"status":"in_call"}}`, nil},
		{"status object", `{"event":"bot.status_change","data":{"bot":{"id":"b1"},"status":{"code":"call_ended"}}}`, nil},
		{"caption array", `{"event":"transcript.data","data":{"bot":{"id":"b1"},"data":[{"participant":{"id":1},"words":[]}]}}`, nil},
		{"word stream", `{"event":"transcript.partial_data","data":{"bot":{"id":"b1"},"data":{"participant":{"id":1},"words":[]}}}`, nil},
		{"unknown event", `{"event":"bot.something_new","data":{"bot":{"id":"b1"}}}`, nil},
		{"not json", `{"event":`, ErrInvalidJSON},
		{"missing event", `{"data":{"bot":{"id":"b1"}}}`, ErrInvalidEnvelope},
		{"missing bot", `{"event":"transcript.data","data":{}}`, ErrInvalidEnvelope},
		{"empty bot id", `{"event":"transcript.data","data":{"bot":{"id":""}}}`, ErrInvalidEnvelope},
		{"status number", `{"event":"bot.status_change","data":{"bot":{"id":"b1"},"status":5}}`, ErrInvalidEnvelope},
		{"array body", `[]`, ErrInvalidEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]byte(tt.body))
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected valid envelope, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidator_Decode(t *testing.T) {
	v := MustNew()
	env, err := v.Decode([]byte(`{"event":"bot.status_change","data":{"bot":{"id":"b1"},"status":{"code":"in_call"}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != "bot.status_change" || env.Data.Bot.ID != "b1" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if env.Data.StatusCode() != "in_call" {
		t.Errorf("expected status in_call, got %q", env.Data.StatusCode())
	}
}
