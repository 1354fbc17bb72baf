package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"meeting-transcript-relay/internal/app"
	"meeting-transcript-relay/internal/automation"
	"meeting-transcript-relay/internal/hub"
	"meeting-transcript-relay/internal/models"
	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
	"meeting-transcript-relay/internal/provider"
	"meeting-transcript-relay/internal/schema"
	"meeting-transcript-relay/internal/service/relay"
	"meeting-transcript-relay/internal/store"
)

const testBotID = "test-bot-id"

type handlers struct {
	app       *app.Application
	relay     *relay.Service
	hub       *hub.Hub
	validator *schema.Validator
}

func (h *handlers) root(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"message":     "Meeting Transcript Relay",
		"status":      "running",
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"activeBots":  len(h.relay.Sessions()),
		"connections": h.hub.Count(),
	}
	if h.app != nil {
		body["uptimeSeconds"] = int64(h.app.Uptime().Seconds())
	}
	respondJSON(w, http.StatusOK, body)
}

// webhook accepts provider events. Anything that passes envelope validation
// is acknowledged unless the bot's queue is saturated, so the provider
// retries only when retrying can help.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		metrics.DefaultMetrics.RecordWebhookRejected("read")
		if isBodyTooLarge(err) {
			respondError(w, http.StatusRequestEntityTooLarge, "Webhook body too large", nil)
			return
		}
		respondError(w, http.StatusBadRequest, "Failed to read webhook body", err.Error())
		return
	}

	env, err := h.validator.Decode(body)
	if err != nil {
		metrics.DefaultMetrics.RecordWebhookRejected("invalid")
		logger := logging.WithComponent("webhook")
		logger.Warn().Err(err).Msg("Rejected webhook envelope")
		respondError(w, http.StatusBadRequest, "Invalid webhook payload", err.Error())
		return
	}

	h.dispatchEnvelope(w, r, env)
}

func (h *handlers) dispatchEnvelope(w http.ResponseWriter, r *http.Request, env models.WebhookEnvelope) {
	err := h.relay.HandleEnvelope(r.Context(), env)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
	case errors.Is(err, relay.ErrMissingBotID), errors.Is(err, relay.ErrMissingStatus):
		logger := logging.WithBot(env.Data.Bot.ID)
		logger.Info().Err(err).Str("event", env.Event).Msg("Ignoring incomplete webhook event")
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, relay.ErrSessionQueueFull), errors.Is(err, relay.ErrSchedulerClosed):
		logger := logging.WithBot(env.Data.Bot.ID)
		logger.Warn().Err(err).Str("event", env.Event).Msg("Webhook event not accepted")
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "Relay busy", err.Error())
	default:
		logger := logging.WithBot(env.Data.Bot.ID)
		logger.Error().Err(err).Str("event", env.Event).Msg("Webhook handling failed")
		respondError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

type testTranscriptRequest struct {
	BotID string `json:"botId"`
	Final bool   `json:"final"`
}

// testTranscriptWebhook feeds a canned word-stream frame through the same
// path as real provider webhooks.
func (h *handlers) testTranscriptWebhook(w http.ResponseWriter, r *http.Request) {
	var req testTranscriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.BotID) == "" {
		req.BotID = testBotID
	}
	event := models.EventTranscriptPartial
	if req.Final {
		event = models.EventTranscriptData
	}

	payload, err := json.Marshal(sampleWordStream())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to build test payload", err.Error())
		return
	}
	env := models.WebhookEnvelope{
		Event: event,
		Data:  models.WebhookData{Bot: models.BotRef{ID: req.BotID}, Data: payload},
	}
	if err := h.relay.HandleEnvelope(r.Context(), env); err != nil {
		respondError(w, http.StatusServiceUnavailable, "Failed to process test transcript", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Test transcript webhook processed",
		"botId":   req.BotID,
	})
}

func sampleWordStream() models.TranscriptPayload {
	rel := func(v float64) *float64 { return &v }
	return models.TranscriptPayload{
		Participant: &models.Participant{ID: 100, Name: "Test Speaker"},
		Words: []models.Word{
			{
				Text:           "Hola",
				StartTimestamp: &models.WordTimestamp{Relative: rel(1.0), Absolute: "2025-10-29T05:00:00.000Z"},
				EndTimestamp:   &models.WordTimestamp{Relative: rel(1.5), Absolute: "2025-10-29T05:00:00.500Z"},
			},
			{
				Text:           "mundo",
				StartTimestamp: &models.WordTimestamp{Relative: rel(1.5), Absolute: "2025-10-29T05:00:00.500Z"},
				EndTimestamp:   &models.WordTimestamp{Relative: rel(2.0), Absolute: "2025-10-29T05:00:01.000Z"},
			},
		},
	}
}

type createBotRequest struct {
	provider.BotRequest
	ConnectionID string `json:"connectionId,omitempty"`
}

func (h *handlers) createBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.MeetingURL) == "" {
		respondError(w, http.StatusBadRequest, "Meeting URL is required", nil)
		return
	}

	created, err := h.relay.CreateBot(r.Context(), req.BotRequest, req.ConnectionID)
	if err != nil {
		status, details := providerFailure(err)
		logger := logging.WithComponent("http")
		logger.Error().Err(err).Str("meetingUrl", req.MeetingURL).Msg("Failed to create bot")
		respondError(w, status, "Failed to create bot", details)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"botId":    created.BotID,
		"recordId": created.RecordID,
		"status":   created.Session.LifecycleState,
		"message":  "Bot created successfully",
	})
}

func (h *handlers) botStatus(w http.ResponseWriter, r *http.Request) {
	botId := chi.URLParam(r, "botId")

	bot, err := h.relay.ProviderBot(r.Context(), botId)
	if err != nil {
		status, details := providerFailure(err)
		logger := logging.WithBot(botId)
		logger.Error().Err(err).Msg("Failed to get bot status")
		respondError(w, status, "Failed to get bot status", details)
		return
	}

	body := map[string]any{
		"botId":          botId,
		"status":         bot.CurrentStatus(),
		"outputVideo":    bot.VideoURL,
		"hasOutputVideo": bot.VideoURL != "",
		"botData":        bot,
	}
	if state, ok := h.relay.Status(botId); ok {
		body["relayStatus"] = state
	}
	if sess, ok := h.relay.Session(botId); ok {
		body["session"] = sess
	}
	if open, ok := h.relay.OpenIntervention(botId); ok {
		body["openIntervention"] = open
	}
	respondJSON(w, http.StatusOK, body)
}

func providerFailure(err error) (int, any) {
	var statusErr *provider.StatusError
	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		return http.StatusServiceUnavailable, err.Error()
	case errors.As(err, &statusErr):
		var details any = statusErr.Body
		var parsed any
		if json.Unmarshal([]byte(statusErr.Body), &parsed) == nil {
			details = parsed
		}
		return http.StatusBadGateway, details
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (h *handlers) flushBot(w http.ResponseWriter, r *http.Request) {
	botId := chi.URLParam(r, "botId")
	iv, flushed := h.relay.Flush(botId)

	body := map[string]any{"botId": botId, "flushed": flushed}
	if flushed {
		body["intervention"] = iv
	}
	respondJSON(w, http.StatusOK, body)
}

func (h *handlers) sendToAutomation(w http.ResponseWriter, r *http.Request) {
	botId := chi.URLParam(r, "botId")

	res, err := h.relay.SendToAutomation(r.Context(), botId)
	if err != nil {
		log := logging.WithBot(botId)
		var sendErr *automation.SendError
		switch {
		case errors.Is(err, relay.ErrBotNotFound):
			respondError(w, http.StatusNotFound, "Bot not found", nil)
		case errors.Is(err, automation.ErrNoInterventions):
			respondError(w, http.StatusBadRequest, "No transcript data to send", nil)
		case errors.Is(err, automation.ErrNotConfigured):
			respondError(w, http.StatusInternalServerError, "N8N_WEBHOOK_URL environment variable is not configured", nil)
		case errors.As(err, &sendErr):
			log.Warn().Err(err).Msg("Automation webhook rejected transcript")
			respondError(w, http.StatusBadGateway, "Failed to send transcript to n8n", sendErr.Detail)
		default:
			log.Error().Err(err).Msg("Failed to send transcript to automation")
			respondError(w, http.StatusInternalServerError, "Failed to send transcript to n8n", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"message":             "Transcript sent to n8n successfully",
		"n8n_response_status": res.StatusCode,
		"total_interventions": res.TotalInterventions,
		"bot_id":              res.BotID,
	})
}

func (h *handlers) listBots(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid limit", err.Error())
		return
	}
	bots, err := h.relay.ListBots(r.Context(), limit)
	if err != nil {
		logger := logging.WithComponent("http")
		logger.Error().Err(err).Msg("Failed to list bots")
		respondError(w, http.StatusInternalServerError, "Failed to list bots", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"bots": bots, "total": len(bots)})
}

func botRef(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (h *handlers) listInterventions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := botRef(q.Get("botId"), q.Get("recallBotId"))
	if ref == "" {
		respondError(w, http.StatusBadRequest, "botId or recallBotId is required", nil)
		return
	}

	query, err := interventionQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid query", err.Error())
		return
	}

	rows, err := h.relay.Interventions(r.Context(), ref, query)
	if errors.Is(err, relay.ErrBotNotFound) {
		respondError(w, http.StatusNotFound, "Bot not found", nil)
		return
	}
	if err != nil {
		logger := logging.WithBot(ref)
		logger.Error().Err(err).Msg("Failed to list interventions")
		respondError(w, http.StatusInternalServerError, "Failed to list interventions", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"botId":         ref,
		"interventions": rows,
		"total":         len(rows),
	})
}

func interventionQuery(r *http.Request) (store.InterventionQuery, error) {
	var query store.InterventionQuery
	q := r.URL.Query()

	limit, err := queryInt(r, "limit")
	if err != nil {
		return query, err
	}
	query.Limit = limit

	if v := q.Get("participantId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return query, err
		}
		query.ParticipantID = &id
	}
	if v := q.Get("after"); v != "" {
		after, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return query, err
		}
		query.After = &after
	}
	if v := q.Get("finalizedOnly"); v != "" {
		only, err := strconv.ParseBool(v)
		if err != nil {
			return query, err
		}
		query.FinalizedOnly = only
	}
	return query, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type recordInterventionRequest struct {
	BotID           string     `json:"botId"`
	RecallBotID     string     `json:"recallBotId"`
	InterventionID  string     `json:"interventionId"`
	ParticipantID   int64      `json:"participantId"`
	ParticipantName string     `json:"participantName"`
	Text            string     `json:"text"`
	Timestamp       *time.Time `json:"timestamp"`
	IsPartial       bool       `json:"isPartial"`
	Provider        string     `json:"provider"`
}

func (h *handlers) recordIntervention(w http.ResponseWriter, r *http.Request) {
	var req recordInterventionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	ref := botRef(req.BotID, req.RecallBotID)
	if ref == "" {
		respondError(w, http.StatusBadRequest, "botId or recallBotId is required", nil)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required", nil)
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	rec, err := h.relay.RecordIntervention(r.Context(), ref, store.InterventionRecord{
		InterventionID:  req.InterventionID,
		ParticipantName: strings.TrimSpace(req.ParticipantName),
		ParticipantID:   req.ParticipantID,
		Text:            strings.TrimSpace(req.Text),
		Timestamp:       ts,
		IsPartial:       req.IsPartial,
		Provider:        req.Provider,
	})
	if errors.Is(err, relay.ErrBotNotFound) {
		respondError(w, http.StatusNotFound, "Bot not found", nil)
		return
	}
	if err != nil {
		logger := logging.WithBot(ref)
		logger.Error().Err(err).Msg("Failed to record intervention")
		respondError(w, http.StatusInternalServerError, "Failed to record intervention", nil)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

type debugBot struct {
	BotID        string `json:"botId"`
	ConnectionID string `json:"connectionId"`
	MeetingURL   string `json:"meetingUrl"`
	Status       string `json:"status"`
	Connected    bool   `json:"connected"`
}

func (h *handlers) debugBots(w http.ResponseWriter, _ *http.Request) {
	sessions := h.relay.Sessions()
	bots := make([]debugBot, 0, len(sessions))
	for _, sess := range sessions {
		bots = append(bots, debugBot{
			BotID:        sess.BotID,
			ConnectionID: sess.ConnectionID,
			MeetingURL:   sess.MeetingURL,
			Status:       sess.LifecycleState,
			Connected:    sess.ConnectionID != "" && h.hub.IsLive(sess.ConnectionID),
		})
	}
	connections := h.hub.LiveConnections()

	respondJSON(w, http.StatusOK, map[string]any{
		"activeBots":       bots,
		"totalBots":        len(bots),
		"connections":      connections,
		"totalConnections": len(connections),
	})
}

func (h *handlers) debugCleanup(w http.ResponseWriter, _ *http.Request) {
	report := h.relay.Cleanup()
	respondJSON(w, http.StatusOK, map[string]any{
		"message":           "Cleanup completed",
		"initialSessions":   report.InitialSessions,
		"remainingSessions": report.RemainingSessions,
		"removedSessions":   report.RemovedSessions,
		"removedBotIds":     report.RemovedBotIDs,
	})
}
