// Package human coordinates out-of-band interactions between a running turn
// and the person on the other side of the connection: free-form questions and
// approval prompts for gated tool calls. Each outstanding request is a
// one-shot future keyed by request id, resolved by an inbound response frame.
package human

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/coworker/internal/protocol"
)

// AskSkipToken is the sentinel answer a client sends to skip a question
// instead of answering it.
const AskSkipToken = "ASK_SKIP_TOKEN"

// ErrSessionDisposed rejects every pending request when the session goes
// away.
var ErrSessionDisposed = errors.New("session disposed")

// AskResult is the resolution of an ask request.
type AskResult struct {
	Answer  string
	Skipped bool
}

type pendingKind int

const (
	pendingAsk pendingKind = iota
	pendingApproval
)

type pending struct {
	kind pendingKind
	ask  chan AskResult
	ok   chan bool
	err  chan error
}

// Channel is the per-session registry of outstanding human requests.
type Channel struct {
	sessionID string
	yolo      bool
	publish   func(*protocol.ServerEvent)
	logger    *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pending
	disposed bool
}

// New creates a channel for a session. publish emits ask/approval events to
// the session's subscribers; the channel holds no reference to the session
// itself.
func New(sessionID string, yolo bool, publish func(*protocol.ServerEvent), logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		sessionID: sessionID,
		yolo:      yolo,
		publish:   publish,
		logger:    logger.With("component", "human", "session_id", sessionID),
		pending:   make(map[string]*pending),
	}
}

// AskFuture is an outstanding question to the human.
type AskFuture struct {
	ID string
	p  *pending
}

// Await blocks until the question is answered, the session is disposed, or
// the context is cancelled.
func (f *AskFuture) Await(ctx context.Context) (AskResult, error) {
	select {
	case res := <-f.p.ask:
		return res, nil
	case err := <-f.p.err:
		return AskResult{}, err
	case <-ctx.Done():
		return AskResult{}, ctx.Err()
	}
}

// ApprovalFuture is an outstanding approval prompt.
type ApprovalFuture struct {
	ID string
	p  *pending
}

// Await blocks until the prompt is answered, the session is disposed, or the
// context is cancelled.
func (f *ApprovalFuture) Await(ctx context.Context) (bool, error) {
	if f.p == nil {
		// Short-circuited by the yolo flag.
		return true, nil
	}
	select {
	case ok := <-f.p.ok:
		return ok, nil
	case err := <-f.p.err:
		return false, err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Ask registers a question and emits an ask event. Returns an error only when
// the session is already disposed.
func (c *Channel) Ask(question string) (*AskFuture, error) {
	id := uuid.New().String()
	p := &pending{kind: pendingAsk, ask: make(chan AskResult, 1), err: make(chan error, 1)}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrSessionDisposed
	}
	c.pending[id] = p
	c.mu.Unlock()

	c.publish(&protocol.ServerEvent{
		Type:      protocol.EventAsk,
		SessionID: c.sessionID,
		RequestID: id,
		Question:  question,
	})
	return &AskFuture{ID: id, p: p}, nil
}

// Approve registers an approval prompt and emits an approval event. With the
// yolo flag set the prompt auto-approves and no event is emitted.
func (c *Channel) Approve(command string, dangerous bool, reasonCode string) (*ApprovalFuture, error) {
	if c.yolo {
		return &ApprovalFuture{}, nil
	}

	id := uuid.New().String()
	p := &pending{kind: pendingApproval, ok: make(chan bool, 1), err: make(chan error, 1)}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrSessionDisposed
	}
	c.pending[id] = p
	c.mu.Unlock()

	c.publish(&protocol.ServerEvent{
		Type:       protocol.EventApproval,
		SessionID:  c.sessionID,
		RequestID:  id,
		Command:    command,
		Dangerous:  dangerous,
		ReasonCode: reasonCode,
	})
	return &ApprovalFuture{ID: id, p: p}, nil
}

// ResolveAsk answers a pending question. Unknown or already-resolved ids are
// ignored. The skip sentinel is delivered as a skipped result.
func (c *Channel) ResolveAsk(requestID, answer string) {
	p := c.take(requestID, pendingAsk)
	if p == nil {
		return
	}
	if answer == AskSkipToken {
		p.ask <- AskResult{Answer: "skip", Skipped: true}
		return
	}
	p.ask <- AskResult{Answer: answer}
}

// ResolveApproval answers a pending approval prompt. Unknown or
// already-resolved ids are ignored.
func (c *Channel) ResolveApproval(requestID string, approved bool) {
	p := c.take(requestID, pendingApproval)
	if p == nil {
		return
	}
	p.ok <- approved
}

// DisposeAll rejects every pending request with a terminal error. Further
// Resolve calls become no-ops.
func (c *Channel) DisposeAll(reason error) {
	if reason == nil {
		reason = ErrSessionDisposed
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	drained := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for id, p := range drained {
		p.err <- reason
		c.logger.Debug("rejected pending request", "request_id", id)
	}
}

// Pending reports the number of outstanding requests.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) take(requestID string, kind pendingKind) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil
	}
	p, ok := c.pending[requestID]
	if !ok || p.kind != kind {
		return nil
	}
	delete(c.pending, requestID)
	return p
}
