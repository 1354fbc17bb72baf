// Package automation forwards finished meeting transcripts to an external
// workflow webhook.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
	"meeting-transcript-relay/internal/store"
)

var (
	ErrNotConfigured   = errors.New("automation webhook url not configured")
	ErrNoInterventions = errors.New("no transcript data found for this bot")
)

const (
	defaultTimeout    = 30 * time.Second
	maxErrorBodyBytes = 64 << 10
	maxErrorDetail    = 200
	sourceName        = "meeting-transcript-relay"
)

// Transcript is the payload for one bot.
type Transcript struct {
	Bot           store.BotRecord
	BotRef        string // the id the caller used to look the bot up
	Interventions []store.InterventionRecord
}

// Result summarizes a successful send.
type Result struct {
	StatusCode         int    `json:"n8n_response_status"`
	TotalInterventions int    `json:"total_interventions"`
	BotID              string `json:"bot_id"`
}

// SendError is returned when the webhook answers with a non-2xx status.
type SendError struct {
	StatusCode int
	Detail     string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("automation webhook status=%d: %s", e.StatusCode, e.Detail)
}

type transcriptLine struct {
	Speaker       string `json:"speaker"`
	ParticipantID int64  `json:"participant_id"`
	Text          string `json:"text"`
	Timestamp     string `json:"timestamp"`
	Provider      string `json:"provider"`
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sender) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithClock overrides the time source used for metadata fields.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

// Sender posts transcripts as multipart/form-data.
type Sender struct {
	url        string
	httpClient *http.Client
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New creates a Sender for webhookURL.
func New(webhookURL string, timeout time.Duration, opts ...Option) *Sender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Sender{
		url:        strings.TrimSpace(webhookURL),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		metrics:    metrics.DefaultMetrics,
		logger:     logging.WithComponent("automation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Configured reports whether a webhook URL is set.
func (s *Sender) Configured() bool {
	return s.url != ""
}

// Send uploads t. Interventions are sent in the order given.
func (s *Sender) Send(ctx context.Context, t Transcript) (Result, error) {
	if !s.Configured() {
		return Result{}, ErrNotConfigured
	}
	if len(t.Interventions) == 0 {
		return Result{}, ErrNoInterventions
	}

	body, contentType, err := s.encode(t)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build automation request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	s.logger.Info().
		Str("botId", t.BotRef).
		Int("interventions", len(t.Interventions)).
		Int("bytes", len(body)).
		Msg("Sending transcript to automation webhook")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.metrics.RecordAutomationSend(err)
		return Result{}, fmt.Errorf("post automation webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		sendErr := &SendError{StatusCode: resp.StatusCode, Detail: errorDetail(resp.StatusCode, raw)}
		s.metrics.RecordAutomationSend(sendErr)
		return Result{}, sendErr
	}

	s.metrics.RecordAutomationSend(nil)
	return Result{
		StatusCode:         resp.StatusCode,
		TotalInterventions: len(t.Interventions),
		BotID:              t.BotRef,
	}, nil
}

func (s *Sender) encode(t Transcript) ([]byte, string, error) {
	lines := make([]transcriptLine, 0, len(t.Interventions))
	for _, iv := range t.Interventions {
		lines = append(lines, transcriptLine{
			Speaker:       iv.ParticipantName,
			ParticipantID: iv.ParticipantID,
			Text:          iv.Text,
			Timestamp:     iv.Timestamp.UTC().Format(time.RFC3339Nano),
			Provider:      iv.Provider,
		})
	}
	file, err := json.MarshalIndent(map[string]any{"transcript_data": lines}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal transcript: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, FileName(t)))
	header.Set("Content-Type", "application/json")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(file); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	fields := []struct{ key, value string }{
		{"timestamp", now},
		{"meeting_url", t.Bot.MeetingURL},
		{"bot_name", t.Bot.BotName},
		{"bot_id", t.BotRef},
		{"recall_bot_id", t.Bot.ExternalBotID},
		{"total_interventions", strconv.Itoa(len(t.Interventions))},
		{"source", sourceName},
		{"processed_at", now},
		{"call_started_at", formatOptional(t.Bot.CallStartedAt)},
		{"call_ended_at", formatOptional(t.Bot.CallEndedAt)},
	}
	for _, f := range fields {
		if err := w.WriteField(f.key, f.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f.key, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// FileName is the name of the uploaded transcript file.
func FileName(t Transcript) string {
	return fmt.Sprintf("transcript-%s-%s.json", t.Bot.BotName, t.BotRef)
}

func formatOptional(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// errorDetail turns a webhook error body into a short message. HTML error
// pages are replaced with a hint about the URL.
func errorDetail(status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		return fmt.Sprintf("webhook returned HTML error page (status %d); check the webhook URL configuration", status)
	}

	var obj map[string]any
	if json.Unmarshal(body, &obj) == nil {
		for _, key := range []string{"message", "error"} {
			if v, ok := obj[key].(string); ok && v != "" {
				return v
			}
		}
	}
	if len(text) > maxErrorDetail {
		return text[:maxErrorDetail]
	}
	return text
}
