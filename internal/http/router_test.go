package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meeting-transcript-relay/internal/app"
	"meeting-transcript-relay/internal/automation"
	"meeting-transcript-relay/internal/config"
	"meeting-transcript-relay/internal/hub"
	"meeting-transcript-relay/internal/models"
	"meeting-transcript-relay/internal/provider"
	"meeting-transcript-relay/internal/service/intervention"
	"meeting-transcript-relay/internal/service/relay"
	"meeting-transcript-relay/internal/store"
)

type stubProvider struct {
	mu   sync.Mutex
	next int
}

func (p *stubProvider) CreateBot(_ context.Context, req provider.BotRequest) (provider.Bot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return provider.Bot{ID: "bot-" + string(rune('0'+p.next)), BotName: req.BotName}, nil
}

func (p *stubProvider) GetBot(_ context.Context, botId string) (provider.Bot, error) {
	if botId == "missing" {
		return provider.Bot{}, &provider.StatusError{StatusCode: 404, Body: `{"detail":"Not found."}`}
	}
	return provider.Bot{
		ID:            botId,
		VideoURL:      "https://video.example/" + botId,
		StatusChanges: []provider.StatusChange{{Code: "joining_call"}, {Code: "in_call_recording"}},
	}, nil
}

type stubSender struct{}

func (stubSender) Send(_ context.Context, t automation.Transcript) (automation.Result, error) {
	if len(t.Interventions) == 0 {
		return automation.Result{}, automation.ErrNoInterventions
	}
	return automation.Result{StatusCode: 200, TotalInterventions: len(t.Interventions), BotID: t.BotRef}, nil
}

type testServer struct {
	*httptest.Server
	app   *app.Application
	relay *relay.Service
	hub   *hub.Hub
	store *store.MemoryStore
}

func newTestServer(t *testing.T, withProvider bool) *testServer {
	t.Helper()
	ts := &testServer{
		app:   app.New(config.Default()),
		hub:   hub.New(hub.DefaultOptions()),
		store: store.NewMemoryStore(),
	}
	deps := relay.Dependencies{
		Registry:   ts.hub,
		Store:      ts.store,
		Automation: stubSender{},
	}
	if withProvider {
		deps.Provider = &stubProvider{}
	}
	ts.relay = relay.New(deps, relay.Options{
		Assembler: intervention.Config{IdleTimeout: time.Hour},
		QueueSize: 16,
	})
	ts.Server = httptest.NewServer(NewRouter(Dependencies{App: ts.app, Relay: ts.relay, Hub: ts.hub}))
	t.Cleanup(func() {
		ts.hub.Close()
		ts.Server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.relay.Shutdown(ctx)
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode, out
}

func (ts *testServer) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	frame := readEvent(t, conn, hub.EventConnected)
	var data struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(frame, &data); err != nil || data.ConnectionID == "" {
		t.Fatalf("bad connected frame: %s", frame)
	}
	return conn, data.ConnectionID
}

// readEvent reads frames until one named event arrives and returns its data.
func readEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		if frame.Event == event {
			return frame.Data
		}
	}
}

func transcriptWebhook(botId, event string, words ...string) map[string]any {
	ws := make([]map[string]any, 0, len(words))
	for _, w := range words {
		ws = append(ws, map[string]any{"text": w})
	}
	return map[string]any{
		"event": event,
		"data": map[string]any{
			"bot": map[string]any{"id": botId},
			"data": map[string]any{
				"participant": map[string]any{"id": 7, "name": "Ana"},
				"words":       ws,
			},
		},
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, true)

	resp, err := http.Get(ts.URL + "/v1/liveness")
	if err != nil {
		t.Fatalf("liveness: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("liveness: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/readiness")
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness before start: expected 503, got %d", resp.StatusCode)
	}

	_ = ts.app.Start()
	resp, err = http.Get(ts.URL + "/v1/readiness")
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness after start: expected 200, got %d", resp.StatusCode)
	}

	status, body := ts.do(t, http.MethodGet, "/", nil)
	if status != http.StatusOK || body["status"] != "running" {
		t.Errorf("root: unexpected %d %v", status, body)
	}
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		name   string
		body   any
		status int
		result string
	}{
		{
			name:   "invalid json",
			body:   "{not json",
			status: http.StatusBadRequest,
		},
		{
			name:   "missing bot id",
			body:   map[string]any{"event": models.EventTranscriptData, "data": map[string]any{"bot": map[string]any{}}},
			status: http.StatusBadRequest,
		},
		{
			name:   "transcript accepted",
			body:   transcriptWebhook("bot-x", models.EventTranscriptData, "hello"),
			status: http.StatusOK,
			result: "success",
		},
		{
			name:   "status change without status",
			body:   map[string]any{"event": models.EventStatusChange, "data": map[string]any{"bot": map[string]any{"id": "bot-x"}}},
			status: http.StatusOK,
			result: "ignored",
		},
		{
			name:   "unknown event acknowledged",
			body:   map[string]any{"event": "recording.done", "data": map[string]any{"bot": map[string]any{"id": "bot-x"}}},
			status: http.StatusOK,
			result: "success",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(t, http.MethodPost, "/webhook/transcription", tt.body)
			if status != tt.status {
				t.Fatalf("expected %d, got %d (%v)", tt.status, status, body)
			}
			if tt.result != "" && body["status"] != tt.result {
				t.Errorf("expected status %q, got %v", tt.result, body["status"])
			}
		})
	}
}

func TestCreateBotOverWebsocketAndRelayTranscript(t *testing.T) {
	ts := newTestServer(t, true)
	conn, _ := ts.dial(t)

	if err := conn.WriteJSON(hub.Inbound{
		Action: ActionCreateBot,
		Data:   json.RawMessage(`{"meetingUrl":"https://meet.example/abc"}`),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var created struct {
		BotID  string `json:"botId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(readEvent(t, conn, EventBotCreated), &created); err != nil {
		t.Fatalf("decode bot-created: %v", err)
	}
	if created.BotID == "" || created.Status != "created" {
		t.Fatalf("unexpected bot-created: %+v", created)
	}

	status, _ := ts.do(t, http.MethodPost, "/webhook/transcription", transcriptWebhook(created.BotID, models.EventTranscriptData, "hello", "world"))
	if status != http.StatusOK {
		t.Fatalf("webhook: expected 200, got %d", status)
	}

	for {
		var ev models.InterventionEvent
		if err := json.Unmarshal(readEvent(t, conn, relay.EventIntervention), &ev); err != nil {
			t.Fatalf("decode intervention: %v", err)
		}
		if ev.EventType != models.EventTypeInterventionFinalized {
			continue
		}
		if ev.BotID != created.BotID || ev.Text != "hello world" || ev.SpeakerName != "Ana" {
			t.Errorf("unexpected intervention: %+v", ev)
		}
		break
	}
}

func TestWebsocketActionErrors(t *testing.T) {
	ts := newTestServer(t, true)
	conn, connectionId := ts.dial(t)

	_ = conn.WriteJSON(hub.Inbound{Action: ActionCreateBot, Data: json.RawMessage(`{}`)})
	readEvent(t, conn, EventBotError)

	_ = conn.WriteJSON(hub.Inbound{Action: ActionSubscribe})
	readEvent(t, conn, EventError)

	_ = conn.WriteJSON(hub.Inbound{Action: ActionSubscribe, BotID: "bot-9"})
	readEvent(t, conn, EventSubscribed)
	if sess, ok := ts.relay.Session("bot-9"); !ok || sess.ConnectionID != connectionId {
		t.Errorf("expected bot-9 routed to %s, got %+v", connectionId, sess)
	}

	_ = conn.WriteJSON(hub.Inbound{Action: "dance"})
	readEvent(t, conn, EventError)
}

func TestCreateBotHTTP(t *testing.T) {
	ts := newTestServer(t, true)

	status, body := ts.do(t, http.MethodPost, "/api/bot/create", map[string]any{})
	if status != http.StatusBadRequest || body["error"] != "Meeting URL is required" {
		t.Errorf("missing url: unexpected %d %v", status, body)
	}

	status, body = ts.do(t, http.MethodPost, "/api/bot/create", map[string]any{"meetingUrl": "https://meet.example/x"})
	if status != http.StatusOK || body["botId"] == "" || body["status"] != "created" {
		t.Fatalf("create: unexpected %d %v", status, body)
	}
	botId := body["botId"].(string)

	status, body = ts.do(t, http.MethodGet, "/api/bot/"+botId+"/status", nil)
	if status != http.StatusOK {
		t.Fatalf("status: unexpected %d %v", status, body)
	}
	if body["status"] != "in_call_recording" || body["hasOutputVideo"] != true || body["relayStatus"] != "created" {
		t.Errorf("status: unexpected body %v", body)
	}

	status, _ = ts.do(t, http.MethodGet, "/api/bot/missing/status", nil)
	if status != http.StatusBadGateway {
		t.Errorf("missing bot status: expected 502, got %d", status)
	}

	status, body = ts.do(t, http.MethodGet, "/api/bots", nil)
	if status != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("list bots: unexpected %d %v", status, body)
	}
}

func TestCreateBotWithoutProvider(t *testing.T) {
	ts := newTestServer(t, false)
	status, _ := ts.do(t, http.MethodPost, "/api/bot/create", map[string]any{"meetingUrl": "https://meet.example/x"})
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", status)
	}
}

func TestInterventionsAndAutomation(t *testing.T) {
	ts := newTestServer(t, true)

	status, body := ts.do(t, http.MethodPost, "/api/bot/create", map[string]any{"meetingUrl": "https://meet.example/x"})
	if status != http.StatusOK {
		t.Fatalf("create: unexpected %d %v", status, body)
	}
	botId := body["botId"].(string)

	status, _ = ts.do(t, http.MethodPost, "/api/bot/"+botId+"/send-to-n8n", nil)
	if status != http.StatusBadRequest {
		t.Errorf("send without interventions: expected 400, got %d", status)
	}

	status, _ = ts.do(t, http.MethodGet, "/api/interventions", nil)
	if status != http.StatusBadRequest {
		t.Errorf("list without ref: expected 400, got %d", status)
	}

	status, body = ts.do(t, http.MethodPost, "/api/interventions", map[string]any{
		"recallBotId":   botId,
		"participantId": 3,
		"text":          "  manual note ",
	})
	if status != http.StatusCreated || body["participantName"] != "Speaker 3" || body["text"] != "manual note" {
		t.Fatalf("record: unexpected %d %v", status, body)
	}

	status, body = ts.do(t, http.MethodGet, "/api/interventions?recallBotId="+botId+"&finalizedOnly=true", nil)
	if status != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("list: unexpected %d %v", status, body)
	}

	status, body = ts.do(t, http.MethodPost, "/api/bot/"+botId+"/send-to-n8n", nil)
	if status != http.StatusOK || body["total_interventions"] != float64(1) {
		t.Errorf("send: unexpected %d %v", status, body)
	}

	status, _ = ts.do(t, http.MethodPost, "/api/bot/nobody/send-to-n8n", nil)
	if status != http.StatusNotFound {
		t.Errorf("send unknown bot: expected 404, got %d", status)
	}

	status, _ = ts.do(t, http.MethodGet, "/api/interventions?botId=x&after=yesterday", nil)
	if status != http.StatusBadRequest {
		t.Errorf("bad after: expected 400, got %d", status)
	}
}

func TestFlushAndTestTranscript(t *testing.T) {
	ts := newTestServer(t, true)

	status, body := ts.do(t, http.MethodPost, "/test-transcript-webhook", map[string]any{"botId": "bot-t"})
	if status != http.StatusOK || body["botId"] != "bot-t" {
		t.Fatalf("test transcript: unexpected %d %v", status, body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := ts.relay.OpenIntervention("bot-t"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected an open intervention for bot-t")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, body = ts.do(t, http.MethodPost, "/api/bot/bot-t/flush", nil)
	if status != http.StatusOK || body["flushed"] != true {
		t.Fatalf("flush: unexpected %d %v", status, body)
	}
	iv := body["intervention"].(map[string]any)
	if iv["text"] != "Hola mundo" {
		t.Errorf("expected flushed text %q, got %v", "Hola mundo", iv["text"])
	}

	status, body = ts.do(t, http.MethodPost, "/api/bot/bot-t/flush", nil)
	if status != http.StatusOK || body["flushed"] != false {
		t.Errorf("second flush: unexpected %d %v", status, body)
	}
}

func TestDebugRoutes(t *testing.T) {
	ts := newTestServer(t, true)
	_, connectionId := ts.dial(t)

	ts.relay.Subscribe("bot-live", connectionId)
	ts.relay.Subscribe("bot-orphan", "gone")

	status, body := ts.do(t, http.MethodGet, "/debug/bots", nil)
	if status != http.StatusOK || body["totalBots"] != float64(2) || body["totalConnections"] != float64(1) {
		t.Fatalf("debug bots: unexpected %d %v", status, body)
	}

	status, body = ts.do(t, http.MethodPost, "/debug/cleanup", nil)
	if status != http.StatusOK {
		t.Fatalf("cleanup: unexpected %d", status)
	}
	if body["initialSessions"] != float64(2) || body["removedSessions"] != float64(1) || body["remainingSessions"] != float64(1) {
		t.Errorf("cleanup: unexpected body %v", body)
	}
}
