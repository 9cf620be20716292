// Package wsmux implements the WebSocket multiplexer that terminates client
// connections at /ws, decodes inbound envelopes, enforces the per-session
// byte cap and rate limit, and dispatches each event to the conductor.
//
// Each inbound frame is handled by its own goroutine rather than serially on
// the connection's read loop: the conductor loop can suspend mid-event while
// waiting for a tool.result that arrives over the same socket, and the read
// loop must keep accepting frames while that suspension is outstanding so
// the resolving tool.result can actually reach it. Writes back to the socket
// are serialized with a mutex since concurrent event handlers on the same
// connection may emit at the same time.
package wsmux

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voicestack/conductor/internal/conductor"
	"github.com/voicestack/conductor/internal/envelope"
	"github.com/voicestack/conductor/internal/session"
)

// writeTimeout bounds a single outbound frame write so a stalled client can't
// hang a connection's event-handler goroutines indefinitely.
const writeTimeout = 5 * time.Second

// Dispatcher is the narrow slice of *conductor.Conductor the multiplexer
// depends on.
type Dispatcher interface {
	HandleEnvelope(ctx context.Context, s *session.Session, e envelope.Envelope, emit conductor.EmitFunc)
}

// Metrics is the narrow set of instrumentation hooks the multiplexer uses.
// *observe.Metrics satisfies it; nil is valid and disables instrumentation.
type Metrics interface {
	RecordRateLimitDenial(ctx context.Context, sessionID string)
	ConnectionOpened(ctx context.Context)
	ConnectionClosed(ctx context.Context)
}

// Server accepts WebSocket connections on /ws and drives them through a
// [Dispatcher]. One Server instance is shared across every connection the
// process serves.
type Server struct {
	cond          Dispatcher
	store         *session.Store
	maxEventBytes int
	logger        *slog.Logger
	metrics       Metrics

	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group
}

// Option configures a [Server] during construction.
type Option func(*Server)

// WithLogger overrides the default [slog.Default] logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics attaches an instrumentation sink. Optional.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxEventBytes overrides the default inbound frame size cap.
func WithMaxEventBytes(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxEventBytes = n
		}
	}
}

const defaultMaxEventBytes = 65536

// New creates a [Server] bound to cond and store.
func New(cond Dispatcher, store *session.Store, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cond:          cond,
		store:         store,
		maxEventBytes: defaultMaxEventBytes,
		logger:        slog.Default(),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request to a WebSocket connection and hands it off
// to a tracked goroutine. It returns immediately; the connection is served
// asynchronously until it closes or the server shuts down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.eg.Go(func() error {
		s.serveConn(s.ctx, wsConn)
		return nil
	})
}

// Shutdown cancels every in-flight connection's context and waits (up to
// ctx's deadline) for each connection handler's goroutines to observe the
// cancellation and exit cleanly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.eg.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connState tracks the per-connection bookkeeping: the pinned session, a
// write mutex, and the set of in-flight event-handler goroutines.
type connState struct {
	server    *Server
	ws        *websocket.Conn
	writeMu   sync.Mutex
	wg        sync.WaitGroup
	sessionID string
	sess      *session.Session
}

// serveConn runs the read loop for one connection until it closes or ctx is
// cancelled, then waits for every spawned event handler to finish.
func (s *Server) serveConn(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close(websocket.StatusNormalClosure, "closing")

	if s.metrics != nil {
		s.metrics.ConnectionOpened(ctx)
	}

	c := &connState{server: s, ws: ws}
	defer func() {
		c.wg.Wait()
		if s.metrics != nil {
			s.metrics.ConnectionClosed(ctx)
		}
		s.logger.Info("connection closed", "sessionId", c.sessionID)
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("websocket read ended", "sessionId", c.sessionID, "error", err)
			}
			return
		}

		env, decodeErr := envelope.Decode(data, s.maxEventBytes)
		if decodeErr != nil {
			c.writeEnvelope(ctx, errorEnvelope(c.sessionID, envelope.WireErrorCode, decodeErr.Error()))
			continue
		}

		if !c.admit(env) {
			continue
		}

		c.wg.Add(1)
		go func(e envelope.Envelope) {
			defer c.wg.Done()
			s.cond.HandleEnvelope(ctx, c.sess, e, c.emit)
		}(env)
	}
}

// admit applies session pinning and rate limiting, writing the appropriate
// error envelope and reporting false when the event should be dropped.
func (c *connState) admit(env envelope.Envelope) bool {
	if c.sessionID == "" {
		c.sessionID = env.SessionID
		c.sess = c.server.store.GetOrCreate(env.SessionID)
	} else if env.SessionID != c.sessionID {
		c.writeEnvelope(c.server.ctx, errorEnvelope(c.sessionID, "session_mismatch",
			fmt.Sprintf("connection is pinned to session %q", c.sessionID)))
		return false
	}

	if lim := c.sess.Limiter(); lim != nil && !lim.Allow(time.Now()) {
		if c.server.metrics != nil {
			c.server.metrics.RecordRateLimitDenial(c.server.ctx, c.sessionID)
		}
		c.writeEnvelope(c.server.ctx, errorEnvelope(c.sessionID, "rate_limited", "per-session event rate exceeded"))
		return false
	}

	return true
}

// emit serializes and writes one outbound envelope. Write failures (closed
// or broken socket) are logged and swallowed so they never poison the
// conductor loop that produced the envelope.
func (c *connState) emit(e envelope.Envelope) {
	c.writeEnvelope(c.server.ctx, e)
}

func (c *connState) writeEnvelope(_ context.Context, e envelope.Envelope) {
	data, err := envelope.Encode(e)
	if err != nil {
		c.server.logger.Warn("failed to encode outbound envelope", "type", e.Type, "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.server.logger.Debug("outbound write failed, connection likely closed", "type", e.Type, "error", err)
	}
}

func errorEnvelope(sessionID, code, message string) envelope.Envelope {
	return envelope.Make("error", sessionID, envelope.ErrorPayload(code, message))
}
