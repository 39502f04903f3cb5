package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/coworker/internal/bus"
	"github.com/haasonsaas/coworker/internal/human"
	"github.com/haasonsaas/coworker/internal/protocol"
)

// State is a session's lifecycle phase. Disposed is terminal.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisposed State = "disposed"
)

// ErrBusy rejects a user message while a turn is already running.
var ErrBusy = protocol.NewTurnError(protocol.ErrCodeBusy, protocol.SourceSession, "a turn is already running")

// ErrDisposed rejects operations on a disposed session.
var ErrDisposed = protocol.NewTurnError(protocol.ErrCodeSessionDisposed, protocol.SourceSession, "session disposed")

// Session is one conversation thread: a transcript, a human channel, a todo
// list, and an abort handle for the running turn. Turns are serialized; a
// second user message while running is rejected with busy.
type Session struct {
	ID     string
	Events *bus.Bus

	transcript *Transcript
	humanCh    *human.Channel
	logger     *slog.Logger

	mu         sync.Mutex
	config     protocol.SessionConfig
	state      State
	cancelTurn context.CancelFunc
	todos      []protocol.TodoItem
}

// NewSession creates an idle session and its human channel.
func NewSession(id string, config protocol.SessionConfig, events *bus.Bus, outputDir string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "session_id", id)
	s := &Session{
		ID:         id,
		Events:     events,
		transcript: NewTranscript(outputDir, id, logger),
		logger:     logger,
		config:     config,
		state:      StateIdle,
	}
	s.humanCh = human.New(id, config.Yolo, s.Publish, logger)
	return s
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns a snapshot of the session configuration.
func (s *Session) Config() protocol.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetEnableMCP flips the MCP toggle and echoes the new settings.
func (s *Session) SetEnableMCP(enabled bool) {
	s.mu.Lock()
	s.config.EnableMCP = enabled
	config := s.config
	s.mu.Unlock()

	s.Publish(&protocol.ServerEvent{
		Type:            protocol.EventSessionSettings,
		SessionID:       s.ID,
		ProtocolVersion: protocol.ProtocolVersion,
		Config:          &config,
	})
}

// Human returns the session's human channel.
func (s *Session) Human() *human.Channel {
	return s.humanCh
}

// Transcript returns the session's conversation history.
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// Publish emits one event to the session's subscribers.
func (s *Session) Publish(ev *protocol.ServerEvent) {
	s.Events.Publish(s.ID, ev)
}

// PublishError emits a classified failure as an error event.
func (s *Session) PublishError(te *protocol.TurnError) {
	s.Publish(protocol.ErrorEvent(s.ID, te))
}

// begin transitions idle to running and installs the turn's abort handle.
func (s *Session) begin(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateDisposed:
		return ErrDisposed
	case StateRunning:
		return ErrBusy
	}
	s.state = StateRunning
	s.cancelTurn = cancel
	return nil
}

// finish returns a running session to idle. A disposed session stays
// disposed.
func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = StateIdle
	}
	s.cancelTurn = nil
}

// Cancel aborts the running turn, if any.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetTodos replaces the todo list and broadcasts it.
func (s *Session) SetTodos(items []protocol.TodoItem) {
	s.mu.Lock()
	s.todos = items
	s.mu.Unlock()

	if items == nil {
		items = []protocol.TodoItem{}
	}
	s.Publish(&protocol.ServerEvent{
		Type:      protocol.EventTodos,
		SessionID: s.ID,
		Todos:     items,
	})
}

// Todos returns the current todo list.
func (s *Session) Todos() []protocol.TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.TodoItem(nil), s.todos...)
}

// Reset clears the transcript and todo list. Rejected while a turn is
// running or after disposal.
func (s *Session) Reset() error {
	s.mu.Lock()
	switch s.state {
	case StateDisposed:
		s.mu.Unlock()
		return ErrDisposed
	case StateRunning:
		s.mu.Unlock()
		return ErrBusy
	}
	s.todos = nil
	s.mu.Unlock()

	s.transcript.Reset()
	s.SetTodos(nil)
	s.logger.Info("session reset")
	return nil
}

// Dispose terminates the session: the running turn is aborted, pending human
// futures are rejected, and subscribers are shut down. Terminal; later sends
// are rejected with session_disposed.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	cancel := s.cancelTurn
	s.cancelTurn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.humanCh.DisposeAll(ErrDisposed)
	s.Events.Shutdown(s.ID)
	s.logger.Info("session disposed")
}
