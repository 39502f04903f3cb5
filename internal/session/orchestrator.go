package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/haasonsaas/coworker/internal/credentials"
	"github.com/haasonsaas/coworker/internal/mcp"
	"github.com/haasonsaas/coworker/internal/observability"
	"github.com/haasonsaas/coworker/internal/protocol"
	"github.com/haasonsaas/coworker/internal/provider"
	"github.com/haasonsaas/coworker/internal/runtime"
	"github.com/haasonsaas/coworker/internal/tools"
)

// Orchestrator drives one turn at a time through the runtime adapter:
// resolve credentials, build the provider and tool dispatcher, run the step
// loop, fold responses into the transcript, and emit the terminal events.
type Orchestrator struct {
	resolver       *credentials.Resolver
	registry       *mcp.Registry
	mcpConfigPath  string
	workspaceRoots []string
	metrics        *observability.Metrics
	tracer         trace.Tracer
	logger         *slog.Logger
	newProvider    ProviderFactory
}

// ProviderFactory builds the provider for a turn. Overridable so tests can
// substitute a scripted stream.
type ProviderFactory func(name string, mat credentials.Material, logger *slog.Logger) (provider.Provider, error)

// OrchestratorConfig wires an orchestrator's collaborators.
type OrchestratorConfig struct {
	Resolver       *credentials.Resolver
	Registry       *mcp.Registry
	MCPConfigPath  string
	WorkspaceRoots []string
	Metrics        *observability.Metrics
	Tracer         trace.Tracer
	Logger         *slog.Logger
	Provider       ProviderFactory
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("session")
	}
	factory := cfg.Provider
	if factory == nil {
		factory = provider.New
	}
	return &Orchestrator{
		resolver:       cfg.Resolver,
		registry:       cfg.Registry,
		mcpConfigPath:  cfg.MCPConfigPath,
		workspaceRoots: cfg.WorkspaceRoots,
		metrics:        cfg.Metrics,
		tracer:         tracer,
		logger:         logger.With("component", "orchestrator"),
		newProvider:    factory,
	}
}

// RunTurn executes one user message as a full turn. A running turn rejects
// the message with busy; a disposed session with session_disposed. Blocks
// until the turn settles.
func (o *Orchestrator) RunTurn(s *Session, text, clientMessageID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.begin(cancel); err != nil {
		s.PublishError(protocol.AsTurnError(err))
		return
	}
	defer s.finish()

	cfg := s.Config()
	start := time.Now()
	status := "success"
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordTurn(cfg.Provider, status, time.Since(start).Seconds())
		}
	}()

	s.Publish(&protocol.ServerEvent{
		Type:            protocol.EventUserMessage,
		SessionID:       s.ID,
		Text:            text,
		ClientMessageID: clientMessageID,
	})
	s.Transcript().Append(protocol.UserMessage(text))

	result, err := o.generate(ctx, s, cfg, text)
	if err != nil {
		// Steps that settled before the failure stay in the transcript.
		if result != nil {
			s.Transcript().Append(result.ResponseMessages...)
		}
		te := protocol.AsTurnError(err)
		if te.Code == protocol.ErrCodeTurnAborted {
			status = "aborted"
		} else {
			status = "error"
		}
		if o.metrics != nil {
			o.metrics.RecordError(string(te.Code), string(te.Source))
		}
		s.PublishError(te)
		return
	}

	s.Transcript().Append(result.ResponseMessages...)
	if result.ReasoningText != "" {
		s.Publish(&protocol.ServerEvent{
			Type:      protocol.EventReasoning,
			SessionID: s.ID,
			Text:      result.ReasoningText,
		})
	}
	if result.Text != "" {
		s.Publish(&protocol.ServerEvent{
			Type:      protocol.EventAssistantMessage,
			SessionID: s.ID,
			Text:      result.Text,
		})
	}
	if o.metrics != nil {
		o.metrics.RecordStep(cfg.Provider, cfg.Model, result.Usage.InputTokens, result.Usage.OutputTokens)
	}

	if result.FinishReason == protocol.StopReasonStepLimitReached {
		status = "error"
		te := protocol.NewTurnError(protocol.ErrCodeStepLimitReached, protocol.SourceSession,
			fmt.Sprintf("turn stopped after %d steps", maxSteps(cfg)))
		if o.metrics != nil {
			o.metrics.RecordError(string(te.Code), string(te.Source))
		}
		s.PublishError(te)
	}
}

// generate assembles the provider, dispatcher and sink, then runs the step
// loop. Ownership of terminal part emission stays with the adapter; this
// layer only routes parts to the bus.
func (o *Orchestrator) generate(ctx context.Context, s *Session, cfg protocol.SessionConfig, text string) (*runtime.Result, error) {
	mat, err := o.resolver.Resolve(ctx, cfg.Provider)
	if err != nil {
		return nil, err
	}
	prov, err := o.newProvider(cfg.Provider, mat, o.logger)
	if err != nil {
		return nil, protocol.WrapTurnError(protocol.ErrCodeValidationFailed, protocol.SourceSession, err)
	}

	dispatcher, release, err := o.buildDispatcher(ctx, s, cfg)
	if err != nil {
		return nil, err
	}
	defer release()

	sink := runtime.Sink{
		OnPart: func(part *protocol.StreamPart) { o.emitPart(s, part) },
	}
	adapter := runtime.NewAdapter(prov, dispatcher, sink, o.logger, runtime.WithTracer(o.tracer))

	return adapter.Generate(ctx, runtime.Params{
		Model:    cfg.Model,
		System:   systemPrompt(cfg),
		Messages: s.Transcript().Messages(),
		Tools:    dispatcher.Definitions(),
		MaxSteps: maxSteps(cfg),
	})
}

// emitPart fans one stream part out as a model_stream_chunk, plus the
// dedicated tool_call / tool_result events clients key their UI on.
func (o *Orchestrator) emitPart(s *Session, part *protocol.StreamPart) {
	s.Publish(&protocol.ServerEvent{
		Type:      protocol.EventModelStreamChunk,
		SessionID: s.ID,
		Part:      part,
	})

	switch part.Type {
	case protocol.PartToolCall:
		s.Publish(&protocol.ServerEvent{
			Type:       protocol.EventToolCall,
			SessionID:  s.ID,
			ToolCallID: part.Key,
			ToolName:   part.Name,
			Input:      part.Input,
		})
	case protocol.PartToolResult:
		s.Publish(&protocol.ServerEvent{
			Type:       protocol.EventToolResult,
			SessionID:  s.ID,
			ToolCallID: part.Key,
			ToolName:   part.Name,
			Output:     part.Output,
		})
	}
}

// buildDispatcher registers the built-ins and, when MCP is enabled, every
// tool from the configured servers. The returned release func drops the MCP
// references acquired for this turn.
func (o *Orchestrator) buildDispatcher(ctx context.Context, s *Session, cfg protocol.SessionConfig) (*tools.Dispatcher, func(), error) {
	dispatcher := tools.NewDispatcher(tools.Config{
		Human:          s.Human(),
		Emit:           func(part *protocol.StreamPart) { o.emitPart(s, part) },
		WorkspaceRoots: o.workspaceRoots,
		WorkingDir:     cfg.WorkingDir,
		Logger:         o.logger,
	})
	dispatcher.Register(tools.NewBashTool())
	dispatcher.Register(tools.NewReadFileTool())
	dispatcher.Register(tools.NewWriteFileTool())
	dispatcher.Register(tools.NewListDirTool())
	dispatcher.Register(tools.NewAskHumanTool(s.Human()))
	dispatcher.Register(tools.NewTodoWriteTool(s.SetTodos))

	release := func() {}
	if !cfg.EnableMCP || o.registry == nil {
		return dispatcher, release, nil
	}

	doc, err := mcp.LoadDocument(o.mcpConfigPath)
	if err != nil {
		o.logger.Warn("mcp document load failed", "error", err)
		return dispatcher, release, nil
	}

	var acquired []string
	release = func() {
		for _, name := range acquired {
			o.registry.Release(name)
		}
	}
	for _, spec := range doc.Servers {
		conn, err := o.registry.Acquire(ctx, spec)
		if err != nil {
			if spec.Required {
				release()
				return nil, func() {}, protocol.WrapTurnError(protocol.ErrCodeInternal, protocol.SourceMCP, err)
			}
			o.logger.Warn("optional mcp server unavailable", "server", spec.Name, "error", err)
			continue
		}
		acquired = append(acquired, spec.Name)

		descs, err := mcp.Descriptors(ctx, spec.Name, conn)
		if err != nil {
			o.logger.Warn("mcp tool listing failed", "server", spec.Name, "error", err)
			continue
		}
		for _, desc := range descs {
			dispatcher.Register(desc)
		}
	}
	return dispatcher, release, nil
}

func maxSteps(cfg protocol.SessionConfig) int {
	if cfg.MaxSteps > 0 {
		return cfg.MaxSteps
	}
	return runtime.DefaultMaxSteps
}

func systemPrompt(cfg protocol.SessionConfig) string {
	prompt := "You are a coding agent working in the user's local environment. " +
		"Use the available tools to inspect and change files, run commands, and " +
		"ask the human when you need a decision. Keep a todo list for multi-step work."
	if cfg.WorkingDir != "" {
		prompt += "\nWorking directory: " + cfg.WorkingDir
	}
	return prompt
}
