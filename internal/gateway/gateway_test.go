package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/aurelia-voice/aurelia/internal/cascade"
	"github.com/aurelia-voice/aurelia/internal/gateway"
	"github.com/aurelia-voice/aurelia/internal/observe"
	"github.com/aurelia-voice/aurelia/internal/session"
	"github.com/aurelia-voice/aurelia/pkg/provider/stt"
	sttmock "github.com/aurelia-voice/aurelia/pkg/provider/stt/mock"
	"github.com/aurelia-voice/aurelia/pkg/provider/tts"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// resolverFunc adapts a function to session.Resolver.
type resolverFunc func(ctx context.Context, req cascade.Request) (cascade.Result, error)

func (f resolverFunc) Resolve(ctx context.Context, req cascade.Request) (cascade.Result, error) {
	return f(ctx, req)
}

func newTestServer(t *testing.T, resolver session.Resolver) *httptest.Server {
	t.Helper()
	metrics := testMetrics(t)
	factory := func(id, role string, speaker tts.Speaker, opts ...session.Option) *session.Orchestrator {
		if role == "" {
			role = "concierge"
		}
		opts = append(opts, session.WithMetrics(metrics))
		return session.New(session.Config{
			ID:               id,
			Role:             role,
			Greeting:         "Welcome to the Grand Hotel!",
			IdleTimeout:      time.Minute,
			ThinkingWatchdog: time.Minute,
		}, speaker, resolver, opts...)
	}
	mgr := session.NewManager(factory, session.WithManagerMetrics(metrics))
	t.Cleanup(mgr.Stop)

	srv := gateway.New(":0", mgr, gateway.WithMetrics(metrics))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, session string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if session != "" {
		url += "?session=" + session
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f gateway.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) gateway.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f gateway.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

// recvType reads frames until one of the wanted type arrives. State frames
// interleave with speak frames, so tests filter for what they assert on.
func recvType(t *testing.T, conn *websocket.Conn, typ string) gateway.Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		f := recv(t, conn)
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %q frame within 10 frames", typ)
	return gateway.Frame{}
}

func TestWakeTriggersGreeting(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, resolverFunc(func(context.Context, cascade.Request) (cascade.Result, error) {
		return cascade.Result{Text: "answer", Tier: "t"}, nil
	}))
	conn := dial(t, ts, "s-wake")

	send(t, conn, gateway.Frame{Type: gateway.FrameWake})

	f := recvType(t, conn, gateway.FrameSpeak)
	if f.Text != "Welcome to the Grand Hotel!" {
		t.Fatalf("greeting = %q", f.Text)
	}
	if f.SessionID != "s-wake" {
		t.Fatalf("session_id = %q", f.SessionID)
	}
}

func TestUtteranceIsAnsweredOverTheWire(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, resolverFunc(func(_ context.Context, req cascade.Request) (cascade.Result, error) {
		return cascade.Result{Text: "The pool opens at 8am.", Tier: "local"}, nil
	}))
	conn := dial(t, ts, "s-answer")

	send(t, conn, gateway.Frame{Type: gateway.FrameWake})
	recvType(t, conn, gateway.FrameSpeak)
	send(t, conn, gateway.Frame{Type: gateway.FrameSpeechEnd})

	send(t, conn, gateway.Frame{Type: gateway.FrameUtterance, Text: "When does the pool open?"})
	f := recvType(t, conn, gateway.FrameSpeak)
	if f.Text != "The pool opens at 8am." {
		t.Fatalf("answer = %q", f.Text)
	}
}

func TestBargeInSendsCancel(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, resolverFunc(func(context.Context, cascade.Request) (cascade.Result, error) {
		return cascade.Result{Text: "a long answer", Tier: "t"}, nil
	}))
	conn := dial(t, ts, "s-barge")

	send(t, conn, gateway.Frame{Type: gateway.FrameWake})
	recvType(t, conn, gateway.FrameSpeak)
	send(t, conn, gateway.Frame{Type: gateway.FrameSpeechEnd})
	send(t, conn, gateway.Frame{Type: gateway.FrameUtterance, Text: "tell me about the spa please"})
	recvType(t, conn, gateway.FrameSpeak)

	send(t, conn, gateway.Frame{Type: gateway.FrameBargeIn})
	recvType(t, conn, gateway.FrameCancel)
}

func TestStateFramesFollowTransitions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, resolverFunc(func(context.Context, cascade.Request) (cascade.Result, error) {
		return cascade.Result{Text: "x", Tier: "t"}, nil
	}))
	conn := dial(t, ts, "s-state")

	send(t, conn, gateway.Frame{Type: gateway.FrameWake})
	f := recvType(t, conn, gateway.FrameState)
	if f.State != "GREETING" {
		t.Fatalf("first state = %q, want GREETING", f.State)
	}
}

func TestMalformedFrameReportsError(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, resolverFunc(func(context.Context, cascade.Request) (cascade.Result, error) {
		return cascade.Result{Text: "x", Tier: "t"}, nil
	}))
	conn := dial(t, ts, "s-bad")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := recvType(t, conn, gateway.FrameError)
	if f.Error != "malformed frame" {
		t.Fatalf("error = %q", f.Error)
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, resolverFunc(func(context.Context, cascade.Request) (cascade.Result, error) {
		return cascade.Result{Text: "x", Tier: "t"}, nil
	}))
	_ = dial(t, ts, "s-dup")
	second := dial(t, ts, "s-dup")

	f := recvType(t, second, gateway.FrameError)
	if f.Error != "session already connected" {
		t.Fatalf("error = %q", f.Error)
	}
}

func TestAudioFrameIsTranscribed(t *testing.T) {
	t.Parallel()

	inputs := make(chan string, 1)
	resolver := resolverFunc(func(_ context.Context, req cascade.Request) (cascade.Result, error) {
		inputs <- req.Input
		return cascade.Result{Text: "Checkout is at 11am.", Tier: "local"}, nil
	})

	metrics := testMetrics(t)
	factory := func(id, role string, speaker tts.Speaker, opts ...session.Option) *session.Orchestrator {
		opts = append(opts, session.WithMetrics(metrics))
		return session.New(session.Config{
			ID: id, Role: "concierge",
			IdleTimeout:      time.Minute,
			ThinkingWatchdog: time.Minute,
		}, speaker, resolver, opts...)
	}
	mgr := session.NewManager(factory, session.WithManagerMetrics(metrics))
	t.Cleanup(mgr.Stop)

	tr := &sttmock.Transcriber{Result: stt.Transcript{Text: "When is checkout time?", Confidence: 0.9}}
	srv := gateway.New(":0", mgr, gateway.WithMetrics(metrics), gateway.WithTranscriber(tr))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dial(t, ts, "s-audio")
	send(t, conn, gateway.Frame{Type: gateway.FrameWake})
	recvType(t, conn, gateway.FrameSpeak)
	send(t, conn, gateway.Frame{Type: gateway.FrameSpeechEnd})

	send(t, conn, gateway.Frame{Type: gateway.FrameAudio, Audio: []byte{0x01, 0x02}})
	f := recvType(t, conn, gateway.FrameSpeak)
	if f.Text != "Checkout is at 11am." {
		t.Fatalf("answer = %q", f.Text)
	}
	if got := <-inputs; got != "when is checkout time" {
		t.Fatalf("resolver input = %q", got)
	}
}

func TestAudioFrameWithoutTranscriberRejected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, resolverFunc(func(context.Context, cascade.Request) (cascade.Result, error) {
		return cascade.Result{Text: "x", Tier: "t"}, nil
	}))
	conn := dial(t, ts, "s-noaudio")

	send(t, conn, gateway.Frame{Type: gateway.FrameAudio, Audio: []byte{0x01}})
	f := recvType(t, conn, gateway.FrameError)
	if f.Error != "audio frames not supported" {
		t.Fatalf("error = %q", f.Error)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, resolverFunc(func(context.Context, cascade.Request) (cascade.Result, error) {
		return cascade.Result{Text: "x", Tier: "t"}, nil
	}))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q", body.Status)
	}
}
