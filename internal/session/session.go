// Package session implements the in-memory per-session state the conductor
// operates on: conversation history, outstanding client tool calls, and the
// resolvers a suspended conductor loop waits on.
//
// A session is owned exclusively by the single goroutine handling its
// WebSocket connection; the mutex guarding its fields exists only to protect
// against the narrow race between that goroutine and a concurrent tool.result
// delivery racing a reconnect or eviction, not as a general multi-writer lock.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

// traceRingSize bounds the rolling step-marker trace kept per session.
const traceRingSize = 24

// defaultMaxTurns is used when [Store] is constructed with a non-positive
// MaxTurns.
const defaultMaxTurns = 20

// PendingCall is a tool call the conductor has dispatched to the client and
// is waiting to hear back about.
type PendingCall struct {
	CallID     string
	ToolName   string
	ProviderID string
	EmittedAt  time.Time
}

// ToolResult is what a waiting conductor loop receives when a tool.result
// envelope (or a timeout) resolves a [PendingCall].
type ToolResult struct {
	Result string
	Err    error
}

// Session holds all per-sessionId state. Exported fields are only ever
// mutated through Store methods; callers outside this package should treat
// Session as read-only.
type Session struct {
	ID string

	mu                  sync.Mutex
	history             []llm.Turn
	pendingToolCalls    map[string]PendingCall
	toolResultResolvers map[string]chan ToolResult
	recentTrace         []string
	transcriptCount     int
	githubToken         string
	limiter             RateLimiter
}

// RateLimiter is the narrow interface the session store needs from a rate
// limiter; satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(now time.Time) bool
}

// History returns a snapshot copy of the session's conversation history.
func (s *Session) History() []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// GithubToken returns the opaque token captured at session.start, if any.
func (s *Session) GithubToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.githubToken
}

// SetGithubToken stores the token captured at session.start. Write-once in
// practice: later calls overwrite, but the conductor only ever calls this
// from the session.start handler.
func (s *Session) SetGithubToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.githubToken = tok
}

// Limiter returns the session's rate limiter, creating one via the store's
// factory on first access is the Store's job, not this method's — see
// [Store.GetOrCreate].
func (s *Session) Limiter() RateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

// TranscriptCount returns how many user transcripts this session has processed.
func (s *Session) TranscriptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptCount
}

// Store owns every live [Session], keyed by session id.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	maxTurns   int
	rateLimit  int
	rateWindow time.Duration
	newLimiter func(limit int, window time.Duration) RateLimiter
}

// StoreConfig configures a [Store].
type StoreConfig struct {
	// MaxTurns bounds history length to 2*MaxTurns. Non-positive uses a
	// sensible default (20).
	MaxTurns int

	// RateLimitPerMinute is the sliding-window admission cap per session.
	// Non-positive disables rate limiting.
	RateLimitPerMinute int

	// NewLimiter constructs a [RateLimiter]; exposed for testing. Required.
	NewLimiter func(limit int, window time.Duration) RateLimiter
}

// NewStore constructs an empty [Store].
func NewStore(cfg StoreConfig) *Store {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Store{
		sessions:   make(map[string]*Session),
		maxTurns:   maxTurns,
		rateLimit:  cfg.RateLimitPerMinute,
		rateWindow: time.Minute,
		newLimiter: cfg.NewLimiter,
	}
}

// GetOrCreate returns the session for id, creating it (with a fresh rate
// limiter) on first reference.
func (st *Store) GetOrCreate(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		return s
	}
	s := &Session{
		ID:                  id,
		pendingToolCalls:    make(map[string]PendingCall),
		toolResultResolvers: make(map[string]chan ToolResult),
	}
	if st.newLimiter != nil {
		s.limiter = st.newLimiter(st.rateLimit, st.rateWindow)
	}
	st.sessions[id] = s
	return s
}

// SetRateLimit updates the per-session admission cap applied to sessions
// created from this point on. Sessions already holding a limiter keep the
// one they were created with; config reloads affect new connections only.
func (st *Store) SetRateLimit(perMinute int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rateLimit = perMinute
}

// Len returns the number of sessions currently held by the store. Intended
// for periodic gauge reporting, not hot-path logic.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Evict removes a session and cancels every pending tool-result wait so its
// goroutine does not leak past eviction.
func (st *Store) Evict(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for callID, ch := range s.toolResultResolvers {
		select {
		case ch <- ToolResult{Err: fmt.Errorf("session evicted")}:
		default:
		}
		delete(s.toolResultResolvers, callID)
	}
}

// AppendTurn appends turn to the session's history, then truncates from the
// front so the history never exceeds 2*maxTurns entries. Truncation always
// drops whole user/assistant (and assistant-tool-calls/tool) pairs so a tool
// turn never survives without the assistant turn that introduced its call.
func (st *Store) AppendTurn(s *Session, turn llm.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, turn)
	limit := 2 * st.maxTurns
	for len(s.history) > limit {
		drop := 1
		if s.history[0].Role == llm.RoleAssistant && len(s.history[0].ToolCalls) > 0 {
			// Drop the assistant-tool-calls turn together with every tool
			// turn it introduced, so no orphaned tool turn remains.
			for drop < len(s.history) && s.history[drop].Role == llm.RoleTool {
				drop++
			}
		}
		s.history = s.history[drop:]
	}
}

// RecordTrace appends marker to the session's rolling trace, keeping at most
// [traceRingSize] entries.
func (st *Store) RecordTrace(s *Session, marker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentTrace = append(s.recentTrace, marker)
	if len(s.recentTrace) > traceRingSize {
		s.recentTrace = s.recentTrace[len(s.recentTrace)-traceRingSize:]
	}
}

// BeginTranscript increments the transcript counter and clears the trace,
// matching conductor-loop step 1.
func (st *Store) BeginTranscript(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptCount++
	s.recentTrace = s.recentTrace[:0]
}

// DispatchToolCall registers a server-generated call id as pending and
// returns a channel the caller should select on (alongside a timer) to await
// its resolution. The channel receives at most one value, from
// ResolveToolCall or Evict; when the caller's own timer fires first it calls
// AbandonToolCall, which sends nothing.
func (st *Store) DispatchToolCall(s *Session, callID, providerID, toolName string) <-chan ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingToolCalls[callID] = PendingCall{CallID: callID, ToolName: toolName, ProviderID: providerID, EmittedAt: time.Now()}
	ch := make(chan ToolResult, 1)
	s.toolResultResolvers[callID] = ch
	return ch
}

// ResolveToolCall delivers a client tool.result to the waiting conductor
// loop, if one is still waiting. A second delivery for the same callID (or
// one that was never dispatched) is a silent no-op.
func (st *Store) ResolveToolCall(s *Session, callID string, result string, resultErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pendingToolCalls, callID)
	ch, ok := s.toolResultResolvers[callID]
	if !ok {
		return
	}
	delete(s.toolResultResolvers, callID)
	ch <- ToolResult{Result: result, Err: resultErr}
}

// AbandonToolCall removes callID's bookkeeping without sending on its
// resolver channel; used when a wait gives up due to its own timer.
func (st *Store) AbandonToolCall(s *Session, callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingToolCalls, callID)
	delete(s.toolResultResolvers, callID)
}

