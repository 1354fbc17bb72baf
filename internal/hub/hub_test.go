package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingHandler struct {
	mu           sync.Mutex
	connected    []string
	messages     []Inbound
	disconnected chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{disconnected: make(chan string, 8)}
}

func (r *recordingHandler) OnConnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, id)
}

func (r *recordingHandler) OnMessage(id string, msg Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingHandler) OnDisconnect(id string) {
	r.disconnected <- id
}

func (r *recordingHandler) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	frame := readFrame(t, conn)
	if frame.Event != EventConnected {
		t.Fatalf("expected connected frame first, got %q", frame.Event)
	}
	var data struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil || data.ConnectionID == "" {
		t.Fatalf("expected connectionId in connected frame, got %s", frame.Data)
	}
	return conn, data.ConnectionID
}

type rawFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) rawFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f rawFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHub_SendToAndBroadcast(t *testing.T) {
	h := New(DefaultOptions())
	handler := newRecordingHandler()
	h.SetHandler(handler)
	srv := httptest.NewServer(h)
	defer srv.Close()

	connA, idA := dial(t, srv, nil)
	connB, idB := dial(t, srv, nil)

	if !h.IsLive(idA) || !h.IsLive(idB) {
		t.Fatal("expected both connections to be live")
	}
	if got := h.LiveConnections(); len(got) != 2 {
		t.Fatalf("expected 2 live connections, got %v", got)
	}

	if err := h.SendTo(idA, "intervention", map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("send to: %v", err)
	}
	f := readFrame(t, connA)
	if f.Event != "intervention" || !strings.Contains(string(f.Data), "hello") {
		t.Errorf("unexpected frame: %s %s", f.Event, f.Data)
	}

	if n := h.Broadcast("bot-status", map[string]string{"status": "in_call"}); n != 2 {
		t.Errorf("expected broadcast to 2 connections, got %d", n)
	}
	for _, c := range []*websocket.Conn{connA, connB} {
		if f := readFrame(t, c); f.Event != "bot-status" {
			t.Errorf("expected bot-status frame, got %q", f.Event)
		}
	}
}

func TestHub_SendToUnknownConnection(t *testing.T) {
	h := New(DefaultOptions())
	if err := h.SendTo("nope", "x", nil); !errors.Is(err, ErrConnectionGone) {
		t.Errorf("expected ErrConnectionGone, got %v", err)
	}
}

func TestHub_InboundMessagesReachHandler(t *testing.T) {
	h := New(DefaultOptions())
	handler := newRecordingHandler()
	h.SetHandler(handler)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _ := dial(t, srv, nil)
	if err := conn.WriteJSON(Inbound{Action: "subscribe", BotID: "bot-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return handler.messageCount() == 1 })

	handler.mu.Lock()
	msg := handler.messages[0]
	handler.mu.Unlock()
	if msg.Action != "subscribe" || msg.BotID != "bot-1" {
		t.Errorf("unexpected inbound message: %+v", msg)
	}
}

func TestHub_DisconnectRemovesConnection(t *testing.T) {
	h := New(DefaultOptions())
	handler := newRecordingHandler()
	h.SetHandler(handler)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, id := dial(t, srv, nil)
	_ = conn.Close()

	select {
	case got := <-handler.disconnected:
		if got != id {
			t.Errorf("expected disconnect for %s, got %s", id, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect callback")
	}
	if h.IsLive(id) {
		t.Error("expected connection to be gone after disconnect")
	}
	if err := h.SendTo(id, "x", nil); !errors.Is(err, ErrConnectionGone) {
		t.Errorf("expected ErrConnectionGone after disconnect, got %v", err)
	}
}

func TestHub_SendBufferFull(t *testing.T) {
	h := New(DefaultOptions())
	c := &client{id: "c1", send: make(chan []byte, 1), done: make(chan struct{})}
	h.clients[c.id] = c

	if err := h.SendTo("c1", "a", nil); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := h.SendTo("c1", "b", nil); !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("expected ErrSendBufferFull, got %v", err)
	}

	c.close()
	if err := h.SendTo("c1", "c", nil); !errors.Is(err, ErrConnectionGone) {
		t.Errorf("expected ErrConnectionGone on closed client, got %v", err)
	}
}

func TestHub_OriginCheck(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"wildcard", []string{"*"}, "https://evil.example", "relay.example", true},
		{"no origin header", []string{"https://app.example"}, "", "relay.example", true},
		{"listed", []string{"https://app.example/"}, "https://app.example", "relay.example", true},
		{"same host", []string{"https://app.example"}, "http://relay.example", "relay.example", true},
		{"rejected", []string{"https://app.example"}, "https://evil.example", "relay.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Options{AllowedOrigins: tt.allowed})
			r := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := h.isOriginAllowed(r); got != tt.want {
				t.Errorf("isOriginAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}
