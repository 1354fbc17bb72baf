// Package provider is a client for the meeting-bot provider API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcript-relay/internal/models"
	"meeting-transcript-relay/internal/observability/logging"
)

var ErrNotConfigured = errors.New("provider API key not configured")

// Transcription types accepted by CreateBot.
const (
	TranscriptionMeetingCaptions = "meeting_captions"
	TranscriptionAI              = "ai_transcription"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxErrorBodyBytes  = 4 << 10
	jpegDataURLPrefix  = "data:image/jpeg;base64,"
)

// Config holds provider connection settings.
type Config struct {
	APIKey         string
	APIURL         string
	WebhookBaseURL string
	Model          string
	PartialEvents  bool
	Timeout        time.Duration
}

// BotRequest describes a bot to send into a meeting.
type BotRequest struct {
	MeetingURL        string `json:"meetingUrl"`
	BotName           string `json:"botName"`
	TranscriptionType string `json:"transcriptionType"`
	Language          string `json:"language"`
	BotPhoto          string `json:"botPhoto,omitempty"` // base64 JPEG, data URL prefix allowed
}

// Bot is the subset of the provider's bot resource the relay uses.
type Bot struct {
	ID            string          `json:"id"`
	MeetingURL    json.RawMessage `json:"meeting_url,omitempty"`
	BotName       string          `json:"bot_name,omitempty"`
	StatusChanges []StatusChange  `json:"status_changes,omitempty"`
	VideoURL      string          `json:"video_url,omitempty"`
}

// StatusChange is one entry of a bot's status history.
type StatusChange struct {
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CurrentStatus returns the most recent status code.
func (b Bot) CurrentStatus() string {
	if len(b.StatusChanges) == 0 {
		return ""
	}
	return b.StatusChanges[len(b.StatusChanges)-1].Code
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// Client calls the provider REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	cfg.WebhookBaseURL = strings.TrimRight(strings.TrimSpace(cfg.WebhookBaseURL), "/")
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.WithComponent("provider"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

// WebhookURL is the endpoint the provider posts realtime events to.
func (c *Client) WebhookURL() string {
	return c.cfg.WebhookBaseURL + "/webhook/transcription"
}

// CreateBot asks the provider to send a bot into req.MeetingURL.
func (c *Client) CreateBot(ctx context.Context, req BotRequest) (Bot, error) {
	if !c.Configured() {
		return Bot{}, ErrNotConfigured
	}
	if strings.TrimSpace(req.MeetingURL) == "" {
		return Bot{}, errors.New("meeting url is required")
	}

	payload := c.BotConfig(req)
	c.logger.Info().
		Str("meetingUrl", req.MeetingURL).
		Str("botName", req.BotName).
		Str("transcriptionType", req.TranscriptionType).
		Str("webhookUrl", c.WebhookURL()).
		Msg("Creating provider bot")

	var bot Bot
	if err := c.do(ctx, http.MethodPost, "/bot", payload, &bot); err != nil {
		return Bot{}, fmt.Errorf("create bot: %w", err)
	}
	if bot.ID == "" {
		return Bot{}, errors.New("create bot: provider returned no bot id")
	}
	c.logger.Info().Str("botId", bot.ID).Msg("Provider bot created")
	return bot, nil
}

// GetBot fetches the provider's view of a bot.
func (c *Client) GetBot(ctx context.Context, botId string) (Bot, error) {
	if !c.Configured() {
		return Bot{}, ErrNotConfigured
	}
	var bot Bot
	if err := c.do(ctx, http.MethodGet, "/bot/"+url.PathEscape(botId), nil, &bot); err != nil {
		return Bot{}, fmt.Errorf("get bot %s: %w", botId, err)
	}
	return bot, nil
}

// BotConfig builds the provider request body for req.
func (c *Client) BotConfig(req BotRequest) map[string]any {
	events := []string{models.EventTranscriptData}
	if c.cfg.PartialEvents {
		events = append(events, models.EventTranscriptPartial)
	}

	cfg := map[string]any{
		"meeting_url": req.MeetingURL,
		"bot_name":    req.BotName,
		"recording_config": map[string]any{
			"transcript": c.transcriptConfig(req.TranscriptionType, req.Language),
			"realtime_endpoints": []map[string]any{{
				"type":   "webhook",
				"url":    c.WebhookURL(),
				"events": events,
			}},
		},
	}

	if photo := strings.TrimSpace(req.BotPhoto); photo != "" {
		cfg["automatic_video_output"] = map[string]any{
			"in_call_recording": map[string]any{
				"kind":     "jpeg",
				"b64_data": strings.TrimPrefix(photo, jpegDataURLPrefix),
			},
		}
	}
	return cfg
}

func (c *Client) transcriptConfig(transcriptionType, language string) map[string]any {
	if transcriptionType != TranscriptionAI {
		return map[string]any{
			"provider": map[string]any{"meeting_captions": map[string]any{}},
		}
	}
	if language == "" || language == "auto" {
		language = "en-US"
	}
	return map[string]any{
		"provider": map[string]any{
			"deepgram_streaming": map[string]any{
				"language": language,
				"model":    c.cfg.Model,
			},
		},
		"diarization": map[string]any{
			"use_separate_streams_when_available": true,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status=%d body=%q", e.StatusCode, e.Body)
}
