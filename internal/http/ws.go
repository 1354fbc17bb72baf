package http

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"meeting-transcript-relay/internal/hub"
	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/provider"
	"meeting-transcript-relay/internal/service/relay"
)

// Client actions and the events sent in reply.
const (
	ActionCreateBot = "create-bot"
	ActionSubscribe = "subscribe"
	ActionFlush     = "flush"

	EventBotCreated = "bot-created"
	EventBotError   = "bot-error"
	EventSubscribed = "subscribed"
	EventFlushed    = "flushed"
	EventError      = "error"
)

const createBotTimeout = 30 * time.Second

// SocketHandler turns websocket client actions into relay calls.
type SocketHandler struct {
	relay *relay.Service
	hub   *hub.Hub
}

// NewSocketHandler creates the hub callback receiver for svc.
func NewSocketHandler(svc *relay.Service, h *hub.Hub) *SocketHandler {
	return &SocketHandler{relay: svc, hub: h}
}

func (s *SocketHandler) OnConnect(connectionId string) {
	logger := logging.WithConnection(connectionId)
	logger.Debug().Msg("Socket handler attached")
}

func (s *SocketHandler) OnMessage(connectionId string, msg hub.Inbound) {
	log := logging.WithConnection(connectionId)
	switch msg.Action {
	case ActionCreateBot:
		var req provider.BotRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				s.reply(connectionId, EventBotError, map[string]string{"message": "Failed to create bot", "error": "invalid create-bot payload"})
				return
			}
		}
		if strings.TrimSpace(req.MeetingURL) == "" {
			s.reply(connectionId, EventBotError, map[string]string{"message": "Failed to create bot", "error": "Meeting URL is required"})
			return
		}
		// Provider calls are slow; keep reading frames meanwhile.
		go s.createBot(connectionId, req)

	case ActionSubscribe:
		botId := strings.TrimSpace(msg.BotID)
		if botId == "" {
			s.reply(connectionId, EventError, map[string]string{"error": "botId is required"})
			return
		}
		sess := s.relay.Subscribe(botId, connectionId)
		log.Info().Str("botId", botId).Msg("Connection subscribed to bot")
		s.reply(connectionId, EventSubscribed, map[string]any{
			"botId":   botId,
			"status":  sess.LifecycleState,
			"session": sess,
		})

	case ActionFlush:
		botId := strings.TrimSpace(msg.BotID)
		if botId == "" {
			s.reply(connectionId, EventError, map[string]string{"error": "botId is required"})
			return
		}
		_, flushed := s.relay.Flush(botId)
		s.reply(connectionId, EventFlushed, map[string]any{"botId": botId, "flushed": flushed})

	default:
		log.Debug().Str("action", msg.Action).Msg("Unknown client action")
		s.reply(connectionId, EventError, map[string]string{"error": "unknown action " + msg.Action})
	}
}

func (s *SocketHandler) OnDisconnect(connectionId string) {
	released := s.relay.ConnectionClosed(connectionId)
	if len(released) > 0 {
		logger := logging.WithConnection(connectionId)
		logger.Info().Strs("botIds", released).Msg("Released bot sessions")
	}
}

func (s *SocketHandler) createBot(connectionId string, req provider.BotRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), createBotTimeout)
	defer cancel()

	created, err := s.relay.CreateBot(ctx, req, connectionId)
	if err != nil {
		_, details := providerFailure(err)
		logger := logging.WithConnection(connectionId)
		logger.Error().Err(err).Str("meetingUrl", req.MeetingURL).Msg("Failed to create bot")
		s.reply(connectionId, EventBotError, map[string]any{"message": "Failed to create bot", "error": details})
		return
	}
	s.reply(connectionId, EventBotCreated, map[string]any{
		"botId":    created.BotID,
		"recordId": created.RecordID,
		"status":   created.Session.LifecycleState,
		"message":  "Bot created successfully",
	})
}

func (s *SocketHandler) reply(connectionId, event string, payload any) {
	if err := s.hub.SendTo(connectionId, event, payload); err != nil {
		logger := logging.WithConnection(connectionId)
		logger.Debug().Err(err).Str("event", event).Msg("Reply not delivered")
	}
}
