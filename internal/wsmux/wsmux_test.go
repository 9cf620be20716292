package wsmux

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicestack/conductor/internal/conductor"
	"github.com/voicestack/conductor/internal/envelope"
	"github.com/voicestack/conductor/internal/ratelimit"
	"github.com/voicestack/conductor/internal/session"
)

// recordingDispatcher is a test double for [Dispatcher] that records every
// envelope it receives and always emits a fixed acknowledgement.
type recordingDispatcher struct {
	mu       sync.Mutex
	received []envelope.Envelope
}

func (d *recordingDispatcher) HandleEnvelope(_ context.Context, _ *session.Session, e envelope.Envelope, emit conductor.EmitFunc) {
	d.mu.Lock()
	d.received = append(d.received, e)
	d.mu.Unlock()
	emit(envelope.Make("session.started", e.SessionID, map[string]any{"sessionId": e.SessionID}))
}

func (d *recordingDispatcher) snapshot() []envelope.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]envelope.Envelope, len(d.received))
	copy(out, d.received)
	return out
}

func newTestStore() *session.Store {
	return session.NewStore(session.StoreConfig{
		MaxTurns:           20,
		RateLimitPerMinute: 1,
		NewLimiter:         func(limit int, window time.Duration) session.RateLimiter { return ratelimit.New(limit, window) },
	})
}

func startTestServer(t *testing.T, d Dispatcher, store *session.Store) (*httptest.Server, *Server) {
	t.Helper()
	srv := New(d, store)
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return httpSrv, srv
}

func dial(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, e envelope.Envelope) {
	t.Helper()
	data, err := envelope.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope.Envelope {
	t.Helper()
	e, err := envelope.Decode(readRaw(t, conn), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return e
}

// readRaw reads one frame without the non-empty-field validation
// [envelope.Decode] applies; used for replies whose sessionId is genuinely
// unknown (e.g. a reply to a frame too large to parse).
func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestServeHTTPDispatchesDecodedEnvelope(t *testing.T) {
	d := &recordingDispatcher{}
	httpSrv, srv := startTestServer(t, d, newTestStore())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn := dial(t, httpSrv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, conn, envelope.Make("session.start", "sess-1", map[string]any{}))

	ack := readEnvelope(t, conn)
	if ack.Type != "session.started" {
		t.Fatalf("expected session.started ack, got %q", ack.Type)
	}

	deadline := time.After(time.Second)
	for {
		if len(d.snapshot()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher never received the envelope")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestServeHTTPSessionMismatchIsRejected(t *testing.T) {
	d := &recordingDispatcher{}
	httpSrv, srv := startTestServer(t, d, newTestStore())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn := dial(t, httpSrv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, conn, envelope.Make("session.start", "sess-1", map[string]any{}))
	readEnvelope(t, conn) // session.started ack

	sendEnvelope(t, conn, envelope.Make("user.audio.transcript.final", "sess-2", map[string]any{"text": "hi"}))

	errEnv := readEnvelope(t, conn)
	if errEnv.Type != "error" || errEnv.Payload["code"] != "session_mismatch" {
		t.Fatalf("expected session_mismatch error, got %+v", errEnv)
	}
}

func TestServeHTTPOversizedFrameIsRejected(t *testing.T) {
	d := &recordingDispatcher{}
	store := session.NewStore(session.StoreConfig{
		MaxTurns:   20,
		NewLimiter: func(int, time.Duration) session.RateLimiter { return ratelimit.New(0, time.Minute) },
	})
	srv := New(d, store, WithMaxEventBytes(64))
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn := dial(t, httpSrv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	big := strings.Repeat("x", 200)
	raw, _ := json.Marshal(map[string]any{
		"id": "evt-1", "type": "user.audio.transcript.final", "timestamp": "2026-01-01T00:00:00.000Z",
		"sessionId": "sess-1", "payload": map[string]any{"text": big},
	})
	if err := conn.Write(context.Background(), websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply struct {
		Type    string `json:"type"`
		Payload struct {
			Code string `json:"code"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(readRaw(t, conn), &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Type != "error" || reply.Payload.Code != envelope.WireErrorCode {
		t.Fatalf("expected invalid_event error, got %+v", reply)
	}
	if len(d.snapshot()) != 0 {
		t.Fatalf("oversized frame should never reach the dispatcher, got %d calls", len(d.snapshot()))
	}
}

func TestServeHTTPRateLimitDenial(t *testing.T) {
	d := &recordingDispatcher{}
	store := session.NewStore(session.StoreConfig{
		MaxTurns:           20,
		RateLimitPerMinute: 1,
		NewLimiter:         func(limit int, window time.Duration) session.RateLimiter { return ratelimit.New(limit, window) },
	})
	httpSrv, srv := startTestServer(t, d, store)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn := dial(t, httpSrv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, conn, envelope.Make("session.start", "sess-1", map[string]any{}))
	readEnvelope(t, conn) // consumes the single rate-limit admission

	sendEnvelope(t, conn, envelope.Make("user.audio.transcript.final", "sess-1", map[string]any{"text": "hi"}))

	errEnv := readEnvelope(t, conn)
	if errEnv.Type != "error" || errEnv.Payload["code"] != "rate_limited" {
		t.Fatalf("expected rate_limited error, got %+v", errEnv)
	}
}

