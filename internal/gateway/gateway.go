// Package gateway exposes the session surface over WebSocket.
//
// One connection carries one session. Inbound frames are the capture
// events the client detected (wake word, a finished utterance, barge-in,
// playback completion); outbound frames tell the client what to do
// (speak a line, cancel playback) and where the turn currently stands.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aurelia-voice/aurelia/internal/health"
	"github.com/aurelia-voice/aurelia/internal/observe"
	"github.com/aurelia-voice/aurelia/internal/session"
	"github.com/aurelia-voice/aurelia/internal/turn"
	"github.com/aurelia-voice/aurelia/pkg/provider/stt"
	"github.com/aurelia-voice/aurelia/pkg/provider/tts"
)

const (
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 10 * time.Second
	maxFrameBytes   = 64 << 10
)

// Frame is the wire format in both directions. Type selects which of the
// optional fields are meaningful.
type Frame struct {
	// Type is one of the frame type constants below.
	Type string `json:"type"`

	// Text carries the utterance (inbound) or the line to speak (outbound).
	Text string `json:"text,omitempty"`

	// Audio carries a base64 clip on "audio" frames, for deployments where
	// the client cannot run recognition itself.
	Audio []byte `json:"audio,omitempty"`

	// SessionID echoes the session on outbound frames.
	SessionID string `json:"session_id,omitempty"`

	// State is the turn state on "state" frames.
	State string `json:"state,omitempty"`

	// Error describes what went wrong on "error" frames.
	Error string `json:"error,omitempty"`
}

// Inbound frame types.
const (
	FrameWake      = "wake"
	FrameUtterance = "utterance"
	FrameAudio     = "audio"
	FrameBargeIn   = "barge_in"
	FrameSpeechEnd = "speech_end"
	FrameStop      = "stop"
)

// Outbound frame types.
const (
	FrameState  = "state"
	FrameSpeak  = "speak"
	FrameCancel = "cancel"
	FrameError  = "error"
)

// Server accepts client connections and routes their frames into the
// session manager.
type Server struct {
	addr        string
	mgr         *session.Manager
	transcriber stt.Transcriber
	checkers    []health.Checker
	metrics     *observe.Metrics
	log         *slog.Logger

	httpSrv *http.Server
}

// Option is a functional option for Server.
type Option func(*Server)

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithTranscriber enables "audio" frames for clients that send captured
// clips instead of running recognition themselves. Without it, audio
// frames are rejected.
func WithTranscriber(tr stt.Transcriber) Option {
	return func(s *Server) { s.transcriber = tr }
}

// WithReadinessChecks registers checkers evaluated on /readyz.
func WithReadinessChecks(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// New constructs a Server listening on addr once Run is called.
func New(addr string, mgr *session.Manager, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		mgr:  mgr,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full HTTP surface: the WebSocket endpoint plus the
// operational endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	health.New(s.mgr.Len, s.checkers...).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then drains connections and shuts
// the listener down.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("gateway listening", "addr", s.addr)
		err := s.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: serve: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(sctx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// handleWS upgrades the connection and runs the frame loop until the
// client leaves. The session is torn down with the connection; the
// speaker that delivers speak frames has nowhere to go without it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	id := r.URL.Query().Get("session")
	if id == "" {
		id = uuid.NewString()
	}
	role := r.URL.Query().Get("role")
	log := s.log.With("session_id", id)

	sc := &sessionConn{conn: conn, sessionID: id, log: log}
	orch, created := s.mgr.GetOrCreate(r.Context(), id, role, sc,
		session.WithStateListener(sc.pushState),
	)
	if orch == nil {
		sc.writeFrame(r.Context(), Frame{Type: FrameError, Error: "server shutting down"})
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	if !created {
		// The ID is already bound to another connection's speaker.
		sc.writeFrame(r.Context(), Frame{Type: FrameError, Error: "session already connected"})
		conn.Close(websocket.StatusPolicyViolation, "duplicate session")
		return
	}
	defer s.mgr.Remove(id)

	log.Info("client connected", "remote", r.RemoteAddr)
	s.readLoop(r.Context(), conn, orch, sc, log)
	log.Info("client disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, orch *session.Orchestrator, sc *sessionConn, log *slog.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return
			}
			log.Debug("read failed", "error", err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			sc.writeFrame(ctx, Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}

		// The idle timeout may have torn the session down while the
		// client was silent.
		if s.mgr.Get(sc.sessionID) != orch {
			sc.writeFrame(ctx, Frame{Type: FrameError, Error: "session expired"})
			conn.Close(websocket.StatusNormalClosure, "session expired")
			return
		}

		switch f.Type {
		case FrameWake:
			orch.OnWake(ctx)
		case FrameUtterance:
			if f.Text == "" {
				sc.writeFrame(ctx, Frame{Type: FrameError, Error: "utterance without text"})
				continue
			}
			orch.OnUtterance(ctx, f.Text)
		case FrameAudio:
			if s.transcriber == nil {
				sc.writeFrame(ctx, Frame{Type: FrameError, Error: "audio frames not supported"})
				continue
			}
			tr, err := s.transcriber.Transcribe(ctx, f.Audio)
			if err != nil {
				log.Warn("transcription failed", "error", err)
				sc.writeFrame(ctx, Frame{Type: FrameError, Error: "transcription failed"})
				continue
			}
			orch.OnUtterance(ctx, tr.Text)
		case FrameBargeIn:
			orch.OnBargeIn(ctx)
		case FrameSpeechEnd:
			orch.OnSpeechEnd(ctx)
		case FrameStop:
			conn.Close(websocket.StatusNormalClosure, "client stop")
			return
		default:
			sc.writeFrame(ctx, Frame{Type: FrameError, Error: "unknown frame type " + f.Type})
		}
	}
}

// ─── Connection-bound speaker ────────────────────────────────────────────

// sessionConn adapts one WebSocket connection into the playback side of a
// session: speak and cancel frames go to the client, which owns the actual
// audio pipeline. Writes are serialised; the orchestrator's resolution
// goroutine and state listener both push frames.
type sessionConn struct {
	conn      *websocket.Conn
	sessionID string
	log       *slog.Logger

	mu sync.Mutex
}

var _ tts.Speaker = (*sessionConn)(nil)

// Speak pushes the line to the client for playback. The client reports
// completion with a speech_end frame.
func (c *sessionConn) Speak(ctx context.Context, sessionID, text string) error {
	return c.writeFrame(ctx, Frame{Type: FrameSpeak, Text: text, SessionID: sessionID})
}

// Cancel tells the client to stop playback immediately.
func (c *sessionConn) Cancel(ctx context.Context, sessionID string) error {
	return c.writeFrame(ctx, Frame{Type: FrameCancel, SessionID: sessionID})
}

// pushState notifies the client of every turn transition.
func (c *sessionConn) pushState(st turn.State) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := c.writeFrame(ctx, Frame{Type: FrameState, State: st.String(), SessionID: c.sessionID})
	if err != nil {
		c.log.Debug("state push failed", "state", st.String(), "error", err)
	}
}

func (c *sessionConn) writeFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("gateway: marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gateway: write frame: %w", err)
	}
	return nil
}
