package session

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/coworker/internal/bus"
	"github.com/haasonsaas/coworker/internal/credentials"
	"github.com/haasonsaas/coworker/internal/protocol"
	"github.com/haasonsaas/coworker/internal/provider"
)

// scriptedProvider plays back one slice of raw events per Stream call. A nil
// slice means the stream stays open until the context is cancelled.
type scriptedProvider struct {
	name  string
	steps [][]provider.StreamEvent

	mu   sync.Mutex
	call int
}

func (p *scriptedProvider) Name() string   { return p.name }
func (p *scriptedProvider) Family() string { return provider.FamilyOpenAI }

func (p *scriptedProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	var events []provider.StreamEvent
	if p.call < len(p.steps) {
		events = p.steps[p.call]
	}
	p.call++
	p.mu.Unlock()

	ch := make(chan provider.StreamEvent, len(events)+1)
	if events == nil {
		// Hang until cancelled.
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type harness struct {
	session   *Session
	orch      *Orchestrator
	outputDir string

	mu     sync.Mutex
	events []*protocol.ServerEvent
	drain  sync.WaitGroup
}

// newHarness builds a session wired to a scripted provider, with an event
// collector subscribed. respond, when non-nil, runs for every event so tests
// can answer asks and approvals.
func newHarness(t *testing.T, yolo bool, steps [][]provider.StreamEvent, respond func(*Session, *protocol.ServerEvent)) *harness {
	t.Helper()

	store := credentials.NewStore(t.TempDir())
	if err := store.SaveAPIKey("openai", "test-key"); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}
	resolver := credentials.NewResolver(store, nil)

	events := bus.New(nil, bus.WithBufferSize(1024))
	outputDir := t.TempDir()
	sess := NewSession("s1", protocol.SessionConfig{
		Provider:   "openai",
		Model:      "gpt-4o",
		WorkingDir: t.TempDir(),
		Yolo:       yolo,
		MaxSteps:   8,
	}, events, outputDir, nil)

	h := &harness{session: sess, outputDir: outputDir}
	h.orch = NewOrchestrator(OrchestratorConfig{
		Resolver: resolver,
		Provider: func(name string, mat credentials.Material, logger *slog.Logger) (provider.Provider, error) {
			return &scriptedProvider{name: name, steps: steps}, nil
		},
	})

	sub := events.Subscribe(sess.ID)
	h.drain.Add(1)
	go func() {
		defer h.drain.Done()
		for ev := range sub.Events() {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
			if respond != nil {
				respond(sess, ev)
			}
		}
	}()
	return h
}

// finish disposes the session and waits for the collector to drain.
func (h *harness) finish() []*protocol.ServerEvent {
	h.session.Dispose()
	h.drain.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.ServerEvent(nil), h.events...)
}

func eventsOfType(events []*protocol.ServerEvent, typ string) []*protocol.ServerEvent {
	var out []*protocol.ServerEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func partsOfType(events []*protocol.ServerEvent, typ protocol.StreamPartType) []*protocol.StreamPart {
	var out []*protocol.StreamPart
	for _, ev := range events {
		if ev.Type == protocol.EventModelStreamChunk && ev.Part != nil && ev.Part.Type == typ {
			out = append(out, ev.Part)
		}
	}
	return out
}

func completed(stopReason string, usage *protocol.Usage) provider.StreamEvent {
	return provider.StreamEvent{Type: provider.EventCompleted, StopReason: stopReason, Usage: usage}
}

func TestHappyTurn(t *testing.T) {
	h := newHarness(t, false, [][]provider.StreamEvent{{
		{Type: provider.EventCreated},
		{Type: provider.EventOutputTextDelta, ItemID: "t1", Delta: "Hello "},
		{Type: provider.EventOutputTextDelta, ItemID: "t1", Delta: "world"},
		{Type: provider.EventOutputTextDone, ItemID: "t1"},
		completed("stop", &protocol.Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14}),
	}}, nil)

	h.orch.RunTurn(h.session, "hi", "c1")

	if got := h.session.State(); got != StateIdle {
		t.Fatalf("state = %v", got)
	}
	events := h.finish()

	user := eventsOfType(events, protocol.EventUserMessage)
	if len(user) != 1 || user[0].Text != "hi" || user[0].ClientMessageID != "c1" {
		t.Fatalf("user events = %+v", user)
	}
	assistant := eventsOfType(events, protocol.EventAssistantMessage)
	if len(assistant) != 1 || assistant[0].Text != "Hello world" {
		t.Fatalf("assistant events = %+v", assistant)
	}
	if len(eventsOfType(events, protocol.EventError)) != 0 {
		t.Fatal("unexpected error event")
	}
	if len(partsOfType(events, protocol.PartStart)) != 1 || len(partsOfType(events, protocol.PartFinish)) != 1 {
		t.Fatal("missing lifecycle parts")
	}
	if deltas := partsOfType(events, protocol.PartTextDelta); len(deltas) != 2 {
		t.Fatalf("text deltas = %d", len(deltas))
	}

	msgs := h.session.Transcript().Messages()
	if len(msgs) != 2 || msgs[0].Role != protocol.RoleUser || msgs[1].Role != protocol.RoleAssistant {
		t.Fatalf("transcript = %+v", msgs)
	}
}

func TestToolLoopTurn(t *testing.T) {
	h := newHarness(t, true, [][]provider.StreamEvent{
		{
			{Type: provider.EventFunctionCallAdded, ToolCallID: "call-1", ToolName: "bash"},
			{Type: provider.EventFunctionCallArgsDone, ToolCallID: "call-1", Arguments: `{"command":"echo hi"}`},
			completed("tool_calls", &protocol.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8}),
		},
		{
			{Type: provider.EventOutputTextDelta, ItemID: "t1", Delta: "done"},
			completed("stop", &protocol.Usage{InputTokens: 9, OutputTokens: 1, TotalTokens: 10}),
		},
	}, nil)

	h.orch.RunTurn(h.session, "run it", "")
	events := h.finish()

	calls := eventsOfType(events, protocol.EventToolCall)
	if len(calls) != 1 || calls[0].ToolName != "bash" || calls[0].ToolCallID != "call-1" {
		t.Fatalf("tool_call events = %+v", calls)
	}
	results := eventsOfType(events, protocol.EventToolResult)
	if len(results) != 1 || results[0].Output == nil || results[0].Output.Content[0].Text != "hi" {
		t.Fatalf("tool_result events = %+v", results)
	}
	assistant := eventsOfType(events, protocol.EventAssistantMessage)
	if len(assistant) != 1 || assistant[0].Text != "done" {
		t.Fatalf("assistant events = %+v", assistant)
	}

	// user, assistant(tool call), tool result, assistant(text)
	msgs := h.session.Transcript().Messages()
	if len(msgs) != 4 || msgs[2].Role != protocol.RoleToolResult || msgs[2].ToolCallID != "call-1" {
		t.Fatalf("transcript = %+v", msgs)
	}
}

func TestApprovalDeniedTurn(t *testing.T) {
	respond := func(s *Session, ev *protocol.ServerEvent) {
		if ev.Type == protocol.EventApproval {
			go s.Human().ResolveApproval(ev.RequestID, false)
		}
	}
	h := newHarness(t, false, [][]provider.StreamEvent{
		{
			{Type: provider.EventFunctionCallAdded, ToolCallID: "call-1", ToolName: "bash"},
			{Type: provider.EventFunctionCallArgsDone, ToolCallID: "call-1", Arguments: `{"command":"rm -rf /data"}`},
			completed("tool_calls", nil),
		},
		{
			{Type: provider.EventOutputTextDelta, ItemID: "t1", Delta: "understood"},
			completed("stop", nil),
		},
	}, respond)

	h.orch.RunTurn(h.session, "clean up", "")
	events := h.finish()

	approvals := eventsOfType(events, protocol.EventApproval)
	if len(approvals) != 1 || !approvals[0].Dangerous {
		t.Fatalf("approval events = %+v", approvals)
	}
	if denied := partsOfType(events, protocol.PartToolOutputDenied); len(denied) != 1 {
		t.Fatalf("denied parts = %d", len(denied))
	}
	toolErrs := partsOfType(events, protocol.PartToolError)
	if len(toolErrs) != 1 || toolErrs[0].Error != "denied" {
		t.Fatalf("tool error parts = %+v", toolErrs)
	}

	// The turn survives the denial and finishes normally.
	assistant := eventsOfType(events, protocol.EventAssistantMessage)
	if len(assistant) != 1 || assistant[0].Text != "understood" {
		t.Fatalf("assistant events = %+v", assistant)
	}
	if len(eventsOfType(events, protocol.EventError)) != 0 {
		t.Fatal("denial must not produce a turn error")
	}
}

func TestAbortMidStream(t *testing.T) {
	// Second step hangs until cancelled.
	h := newHarness(t, true, [][]provider.StreamEvent{nil}, nil)

	done := make(chan struct{})
	go func() {
		h.orch.RunTurn(h.session, "never finishes", "")
		close(done)
	}()

	waitFor(t, func() bool { return h.session.State() == StateRunning })
	h.session.Cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not settle after cancel")
	}

	if got := h.session.State(); got != StateIdle {
		t.Fatalf("state = %v", got)
	}
	events := h.finish()
	if aborts := partsOfType(events, protocol.PartAbort); len(aborts) != 1 {
		t.Fatalf("abort parts = %d", len(aborts))
	}
	errs := eventsOfType(events, protocol.EventError)
	if len(errs) != 1 || errs[0].Code != protocol.ErrCodeTurnAborted {
		t.Fatalf("error events = %+v", errs)
	}
	if len(eventsOfType(events, protocol.EventAssistantMessage)) != 0 {
		t.Fatal("aborted turn must not emit an assistant message")
	}
}

func TestProviderErrorPreservesTaxonomy(t *testing.T) {
	h := newHarness(t, false, [][]provider.StreamEvent{{
		{Type: provider.EventFailed, Err: &protocol.TurnError{
			Code:    protocol.ErrCodePermissionDenied,
			Source:  protocol.SourcePermissions,
			Message: "Blocked",
		}},
	}}, nil)

	h.orch.RunTurn(h.session, "do the thing", "")
	events := h.finish()

	errs := eventsOfType(events, protocol.EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %+v", errs)
	}
	if errs[0].Code != protocol.ErrCodePermissionDenied || errs[0].Source != protocol.SourcePermissions || errs[0].Message != "Blocked" {
		t.Fatalf("taxonomy not preserved: %+v", errs[0])
	}
}

func TestFailedTurnKeepsCompletedSteps(t *testing.T) {
	h := newHarness(t, true, [][]provider.StreamEvent{
		{
			{Type: provider.EventFunctionCallAdded, ToolCallID: "call-1", ToolName: "bash"},
			{Type: provider.EventFunctionCallArgsDone, ToolCallID: "call-1", Arguments: `{"command":"echo one"}`},
			completed("tool_calls", nil),
		},
		{
			{Type: provider.EventFailed, Err: &protocol.TurnError{
				Code:    protocol.ErrCodeProvider,
				Source:  protocol.SourceProvider,
				Message: "stream reset",
			}},
		},
	}, nil)

	h.orch.RunTurn(h.session, "start", "")
	events := h.finish()

	errs := eventsOfType(events, protocol.EventError)
	if len(errs) != 1 || errs[0].Code != protocol.ErrCodeProvider {
		t.Fatalf("error events = %+v", errs)
	}

	// The first step settled before the failure: user, assistant(tool call),
	// tool result all survive.
	msgs := h.session.Transcript().Messages()
	if len(msgs) != 3 {
		t.Fatalf("transcript = %+v", msgs)
	}
	if calls := msgs[1].ToolCalls(); len(calls) != 1 || calls[0].ID != "call-1" {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
	if msgs[2].Role != protocol.RoleToolResult || msgs[2].ToolCallID != "call-1" {
		t.Fatalf("tool result message = %+v", msgs[2])
	}
}

func TestStepLimitReached(t *testing.T) {
	toolStep := []provider.StreamEvent{
		{Type: provider.EventFunctionCallAdded, ToolCallID: "call-1", ToolName: "bash"},
		{Type: provider.EventFunctionCallArgsDone, ToolCallID: "call-1", Arguments: `{"command":"echo again"}`},
		completed("tool_calls", nil),
	}
	steps := make([][]provider.StreamEvent, 10)
	for i := range steps {
		steps[i] = toolStep
	}
	h := newHarness(t, true, steps, nil)

	h.orch.RunTurn(h.session, "loop forever", "")
	events := h.finish()

	errs := eventsOfType(events, protocol.EventError)
	if len(errs) != 1 || errs[0].Code != protocol.ErrCodeStepLimitReached {
		t.Fatalf("error events = %+v", errs)
	}
	// Every step was tool-only, so there is no assistant text to announce.
	if len(eventsOfType(events, protocol.EventAssistantMessage)) != 0 {
		t.Fatal("empty assistant message must not be emitted")
	}
	finishes := partsOfType(events, protocol.PartFinish)
	if len(finishes) != 1 || finishes[0].Reason != protocol.StopReasonStepLimitReached {
		t.Fatalf("finish parts = %+v", finishes)
	}
}

func TestBusyRejectsSecondTurn(t *testing.T) {
	h := newHarness(t, true, [][]provider.StreamEvent{nil}, nil)

	go h.orch.RunTurn(h.session, "first", "")
	waitFor(t, func() bool { return h.session.State() == StateRunning })

	h.orch.RunTurn(h.session, "second", "")
	h.session.Cancel()
	waitFor(t, func() bool { return h.session.State() == StateIdle })
	events := h.finish()

	var sawBusy bool
	for _, ev := range eventsOfType(events, protocol.EventError) {
		if ev.Code == protocol.ErrCodeBusy {
			sawBusy = true
		}
	}
	if !sawBusy {
		t.Fatal("second turn must be rejected with busy")
	}
}

func TestDisposeThenSend(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	h.finish() // disposes

	if got := h.session.State(); got != StateDisposed {
		t.Fatalf("state = %v", got)
	}

	// Post-dispose turns settle immediately with session_disposed; the bus is
	// already shut down so nothing is delivered, but the session must not
	// transition out of disposed.
	h.orch.RunTurn(h.session, "too late", "")
	if got := h.session.State(); got != StateDisposed {
		t.Fatalf("state after send = %v", got)
	}
}

func TestResetClearsTranscriptAndTodos(t *testing.T) {
	h := newHarness(t, false, [][]provider.StreamEvent{{
		{Type: provider.EventOutputTextDelta, ItemID: "t1", Delta: "ok"},
		completed("stop", nil),
	}}, nil)

	h.orch.RunTurn(h.session, "hello", "")
	h.session.SetTodos([]protocol.TodoItem{{ID: "todo-1", Text: "x", Status: "pending"}})

	if err := h.session.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.session.Transcript().Len() != 0 || len(h.session.Todos()) != 0 {
		t.Fatal("reset did not clear state")
	}

	events := h.finish()
	todos := eventsOfType(events, protocol.EventTodos)
	if len(todos) < 2 {
		t.Fatalf("todo events = %d", len(todos))
	}
	last := todos[len(todos)-1]
	if len(last.Todos) != 0 {
		t.Fatalf("final todos event = %+v", last)
	}
}

func TestTranscriptPersistsJSONL(t *testing.T) {
	h := newHarness(t, false, [][]provider.StreamEvent{{
		{Type: provider.EventOutputTextDelta, ItemID: "t1", Delta: "persisted"},
		completed("stop", nil),
	}}, nil)

	h.orch.RunTurn(h.session, "save me", "")
	h.finish()

	f, err := os.Open(filepath.Join(h.outputDir, h.session.ID+".jsonl"))
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer f.Close()

	var lines []protocol.Message
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("bad line: %v", err)
		}
		lines = append(lines, msg)
	}
	if len(lines) != 2 || lines[0].Role != protocol.RoleUser || lines[1].AssistantText() != "persisted" {
		t.Fatalf("persisted lines = %+v", lines)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}
