package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/haasonsaas/coworker/internal/protocol"
	"github.com/haasonsaas/coworker/internal/provider"
)

// DefaultMaxSteps bounds the tool-calling loop when the session config does
// not set its own limit.
const DefaultMaxSteps = 24

// Sink receives the canonical stream. All three callbacks are always
// non-nil after normalization; OnAbort and OnError are mutually exclusive
// and fire at most once per turn.
type Sink struct {
	OnPart  func(*protocol.StreamPart)
	OnError func(error)
	OnAbort func()
}

func (s Sink) normalized() Sink {
	if s.OnPart == nil {
		s.OnPart = func(*protocol.StreamPart) {}
	}
	if s.OnError == nil {
		s.OnError = func(error) {}
	}
	if s.OnAbort == nil {
		s.OnAbort = func() {}
	}
	return s
}

// Dispatcher executes one tool call. The returned outcome is never nil for a
// nil error; the error return is reserved for cancellation, which propagates
// unwrapped.
type Dispatcher interface {
	Execute(ctx context.Context, call *protocol.ToolCall) (*protocol.ToolOutcome, error)
}

// StepOverrides are returned by a PrepareStep hook to adjust the next step.
type StepOverrides struct {
	Messages        []protocol.Message
	ProviderOptions map[string]any
	StreamOptions   map[string]any
}

// Params configures one turn through the step loop.
type Params struct {
	Model    string
	System   string
	Messages []protocol.Message
	Tools    []provider.ToolDefinition
	MaxSteps int

	ProviderOptions map[string]any
	StreamOptions   map[string]any

	// PrepareStep runs before each step; a non-nil return can replace the
	// messages and merge option maps.
	PrepareStep func(step int, messages []protocol.Message) *StepOverrides

	// RecordInputs opts stream options into telemetry, redacted.
	RecordInputs bool
}

// Result is the aggregate outcome of a completed turn.
type Result struct {
	Text             string
	ReasoningText    string
	ResponseMessages []protocol.Message
	Usage            protocol.Usage
	FinishReason     string
}

// Adapter normalizes one provider's stream and drives the step loop.
type Adapter struct {
	provider   provider.Provider
	dispatcher Dispatcher
	sink       Sink
	logger     *slog.Logger
	tracer     trace.Tracer
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithTracer attaches an OpenTelemetry tracer for per-step spans.
func WithTracer(tracer trace.Tracer) AdapterOption {
	return func(a *Adapter) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

// NewAdapter wires a provider, a tool dispatcher and a stream sink together.
func NewAdapter(p provider.Provider, d Dispatcher, sink Sink, logger *slog.Logger, opts ...AdapterOption) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		provider:   p,
		dispatcher: d,
		sink:       sink.normalized(),
		logger:     logger.With("component", "runtime"),
		tracer:     noop.NewTracerProvider().Tracer("runtime"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// reasoningMode picks how reasoning streams render for this provider family.
func (a *Adapter) reasoningMode() protocol.ReasoningMode {
	if a.provider.Family() == provider.FamilyOpenAI {
		return protocol.ReasoningModeSummary
	}
	return protocol.ReasoningModeReasoning
}

var errAborted = protocol.NewTurnError(protocol.ErrCodeTurnAborted, protocol.SourceSession, "turn aborted")

// Generate runs the bounded step loop and returns the aggregate result. On
// abort the sink's OnAbort fires exactly once and the returned error carries
// turn_aborted; on any other failure OnError fires instead. A failed turn
// still returns the result built from the steps that settled before the
// failure, so callers can keep that progress.
func (a *Adapter) Generate(ctx context.Context, params Params) (*Result, error) {
	maxSteps := params.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	messages := append([]protocol.Message(nil), params.Messages...)
	providerOptions := cloneOptions(params.ProviderOptions)
	streamOptions := cloneOptions(params.StreamOptions)

	result := &Result{}
	a.sink.OnPart(&protocol.StreamPart{Type: protocol.PartStart})

	for step := 1; ; step++ {
		if overrides := a.prepare(params, step, messages); overrides != nil {
			if overrides.Messages != nil {
				messages = overrides.Messages
			}
			mergeOptions(providerOptions, overrides.ProviderOptions)
			mergeOptions(streamOptions, overrides.StreamOptions)
		}

		state, err := a.runStep(ctx, params, step, messages, providerOptions)
		if err != nil {
			return result, a.fail(err)
		}

		assistant := state.assistantMessage()
		messages = append(messages, assistant)
		result.ResponseMessages = append(result.ResponseMessages, assistant)
		result.Text += assistant.AssistantText()
		result.ReasoningText += assistant.ReasoningText()
		result.Usage.Add(state.usage)

		calls := state.toolCalls()
		if len(calls) == 0 {
			result.FinishReason = state.stopReason
			a.sink.OnPart(&protocol.StreamPart{
				Type:   protocol.PartFinish,
				Reason: state.stopReason,
				Usage:  &result.Usage,
			})
			return result, nil
		}

		for _, call := range calls {
			toolResult, err := a.executeCall(ctx, call)
			if err != nil {
				return result, a.fail(err)
			}
			messages = append(messages, toolResult)
			result.ResponseMessages = append(result.ResponseMessages, toolResult)
		}

		if step == maxSteps {
			result.FinishReason = protocol.StopReasonStepLimitReached
			a.sink.OnPart(&protocol.StreamPart{
				Type:   protocol.PartFinish,
				Reason: protocol.StopReasonStepLimitReached,
				Usage:  &result.Usage,
			})
			return result, nil
		}
	}
}

func (a *Adapter) prepare(params Params, step int, messages []protocol.Message) *StepOverrides {
	if params.PrepareStep == nil {
		return nil
	}
	return params.PrepareStep(step, messages)
}

// runStep performs one model-stream invocation, emitting start_step, the
// translated parts, and finish_step.
func (a *Adapter) runStep(ctx context.Context, params Params, step int, messages []protocol.Message, providerOptions map[string]any) (*streamState, error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", a.provider.Name()),
		attribute.String("model", params.Model),
		attribute.Int("step", step),
	}
	if params.RecordInputs {
		if encoded, err := json.Marshal(Redact(params.StreamOptions)); err == nil {
			attrs = append(attrs, attribute.String("stream.options", truncate(string(encoded))))
		}
	}
	ctx, span := a.tracer.Start(ctx, "turn.step", trace.WithAttributes(attrs...))
	defer span.End()

	a.sink.OnPart(&protocol.StreamPart{Type: protocol.PartStartStep, Step: step})

	events, err := a.provider.Stream(ctx, &provider.Request{
		Model:           params.Model,
		System:          params.System,
		Messages:        messages,
		Tools:           params.Tools,
		ProviderOptions: providerOptions,
	})
	if err != nil {
		return nil, protocol.WrapTurnError(protocol.ErrCodeProvider, protocol.SourceProvider, err)
	}

	state := newStreamState(a.reasoningMode())
	for !state.finished {
		select {
		case <-ctx.Done():
			return nil, errAborted
		case ev, ok := <-events:
			if !ok {
				// Stream closed without a terminal event.
				state.finished = true
				state.stopReason = protocol.StopReasonStop
				break
			}
			for _, part := range state.translate(ev) {
				a.sink.OnPart(part)
			}
		}
	}

	if state.failure != nil {
		var te *protocol.TurnError
		if !errors.As(state.failure, &te) {
			te = protocol.WrapTurnError(protocol.ErrCodeProvider, protocol.SourceProvider, state.failure)
		}
		return nil, te
	}

	a.sink.OnPart(&protocol.StreamPart{
		Type:   protocol.PartFinishStep,
		Step:   step,
		Reason: state.stopReason,
		Usage:  &state.usage,
	})
	return state, nil
}

// executeCall dispatches one tool call and emits its terminal part.
func (a *Adapter) executeCall(ctx context.Context, call *protocol.ToolCall) (protocol.Message, error) {
	ctx, span := a.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool", call.Name),
	))
	defer span.End()

	outcome, err := a.dispatcher.Execute(ctx, call)
	if err != nil {
		// Cancellation propagates unwrapped.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return protocol.Message{}, errAborted
		}
		return protocol.Message{}, err
	}

	if outcome.IsError {
		a.sink.OnPart(&protocol.StreamPart{
			Type:  protocol.PartToolError,
			Key:   call.ID,
			Name:  call.Name,
			Error: outcome.ErrorText(),
		})
	} else {
		a.sink.OnPart(&protocol.StreamPart{
			Type:   protocol.PartToolResult,
			Key:    call.ID,
			Name:   call.Name,
			Output: outcome,
		})
	}
	return protocol.ToolResultMessage(call.ID, call.Name, outcome), nil
}

// fail routes a turn-terminating error to exactly one of OnAbort or OnError.
func (a *Adapter) fail(err error) error {
	te := protocol.AsTurnError(err)
	if te.Code == protocol.ErrCodeTurnAborted {
		a.sink.OnPart(&protocol.StreamPart{Type: protocol.PartAbort, Reason: "cancel"})
		a.sink.OnAbort()
		return te
	}
	a.sink.OnPart(&protocol.StreamPart{Type: protocol.PartError, Err: te.Message})
	a.sink.OnError(te)
	return te
}

func cloneOptions(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeOptions(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
