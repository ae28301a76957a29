package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/peteryuqin/harmonycode/internal/shared"
)

// outboundCapacity is the suggested per-session bounded queue depth (§4.7).
const outboundCapacity = 256

type queuedFrame struct {
	payload  any
	critical bool
}

// isCriticalFrameType reports whether a server→client frame type must never
// be dropped under backpressure (§4.7: "auth-*, intervention").
func isCriticalFrameType(frameType string) bool {
	if frameType == "intervention" {
		return true
	}
	return len(frameType) >= 5 && frameType[:5] == "auth-"
}

// Session is one accepted connection: a single reader goroutine dispatching
// frames in FIFO order, and a writer goroutine draining a bounded outbound
// queue. Grounded on the teacher's client (conn + mutex-guarded write), split
// into a queue+writer pair because this spec's backpressure policy needs to
// drop frames rather than block the reader (§4.7, §5).
type Session struct {
	id      string
	traceID string
	conn    *websocket.Conn
	logger  *slog.Logger
	onSlow  func(s *Session)

	agentMu sync.RWMutex
	agentID string
	role    string

	rateLimiters map[string]*TokenBucket
	rlMu         sync.Mutex

	queueMu sync.Mutex
	queue   []queuedFrame
	wake    chan struct{}
	closed  bool
	closeCh chan struct{}
}

func newSession(id string, conn *websocket.Conn, logger *slog.Logger, onSlow func(s *Session)) *Session {
	return &Session{
		id:           id,
		traceID:      shared.NewTraceID(),
		conn:         conn,
		logger:       logger,
		onSlow:       onSlow,
		rateLimiters: make(map[string]*TokenBucket),
		wake:         make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
	}
}

// TraceID returns the per-connection trace id stamped at accept time,
// threaded into every log line the Hub emits for this session (§9).
func (s *Session) TraceID() string {
	return s.traceID
}

// AgentID returns the authenticated agent id, empty before auth succeeds.
func (s *Session) AgentID() string {
	s.agentMu.RLock()
	defer s.agentMu.RUnlock()
	return s.agentID
}

func (s *Session) setIdentity(agentID, role string) {
	s.agentMu.Lock()
	defer s.agentMu.Unlock()
	s.agentID = agentID
	s.role = role
}

// Role returns the session's current role.
func (s *Session) Role() string {
	s.agentMu.RLock()
	defer s.agentMu.RUnlock()
	return s.role
}

// limiter returns (creating if needed) the per-frame-type token bucket for
// this session, used to guard the `swarm` and `task` frame types (§2.10).
func (s *Session) limiter(frameType string, perMinute, burst int) *TokenBucket {
	s.rlMu.Lock()
	defer s.rlMu.Unlock()
	tb, ok := s.rateLimiters[frameType]
	if !ok {
		tb = NewTokenBucket(perMinute, burst)
		s.rateLimiters[frameType] = tb
	}
	return tb
}

// enqueue appends frame to the outbound queue, applying the drop policy from
// §4.7 on overflow. Returns false if the session had to be closed because no
// room could be made for the frame.
// enqueue appends a frame of frameType to the outbound queue. If fields is a
// map[string]any, a copy is taken with its "type" key set to frameType, so
// every call site is free to pass a bare field map without repeating the
// type itself, and a single field map can safely be broadcast to many
// sessions without becoming shared mutable state across their writers.
func (s *Session) enqueue(frameType string, fields any) bool {
	payload := fields
	if m, ok := fields.(map[string]any); ok {
		cp := make(map[string]any, len(m)+1)
		for k, v := range m {
			cp[k] = v
		}
		cp["type"] = frameType
		payload = cp
	}
	critical := isCriticalFrameType(frameType)

	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return true
	}
	if len(s.queue) >= outboundCapacity {
		if idx := s.oldestNonCriticalIndexLocked(); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		} else {
			// Queue is saturated with frames that can never be dropped.
			s.queueMu.Unlock()
			s.closeSlowConsumer()
			return false
		}
	}
	s.queue = append(s.queue, queuedFrame{payload: payload, critical: critical})
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) oldestNonCriticalIndexLocked() int {
	for i, f := range s.queue {
		if !f.critical {
			return i
		}
	}
	return -1
}

func (s *Session) closeSlowConsumer() {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.closed = true
	s.queueMu.Unlock()

	close(s.closeCh)
	_ = s.conn.Close(websocket.StatusPolicyViolation, "SLOW_CONSUMER")
	if s.onSlow != nil {
		s.onSlow(s)
	}
}

// runWriter drains the outbound queue until ctx is done or the session
// closes, writing one frame at a time so per-connection order stays FIFO.
func (s *Session) runWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case <-s.wake:
		}
		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			f := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, s.conn, f.payload)
			cancel()
			if err != nil {
				s.logger.Debug("session write failed", "session_id", s.id, "error", err)
				return
			}
		}
	}
}

// stop marks the session closed without forcing a SLOW_CONSUMER close,
// used on normal disconnect.
func (s *Session) stop() {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.closed = true
	s.queueMu.Unlock()
	close(s.closeCh)
}
