package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/coworker/internal/human"
	"github.com/haasonsaas/coworker/internal/protocol"
	"github.com/haasonsaas/coworker/internal/provider"
)

// DeniedText is the tool error the model sees after a human denies a call.
const DeniedText = "denied"

// Dispatcher routes tool calls to registered descriptors with validation,
// approval gating and timeout enforcement.
type Dispatcher struct {
	humanCh        *human.Channel
	emit           func(*protocol.StreamPart)
	workspaceRoots []string
	workingDir     string
	logger         *slog.Logger

	mu    sync.RWMutex
	tools map[string]*Descriptor
}

// Config wires a dispatcher's collaborators.
type Config struct {
	Human          *human.Channel
	Emit           func(*protocol.StreamPart)
	WorkspaceRoots []string
	WorkingDir     string
	Logger         *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := cfg.Emit
	if emit == nil {
		emit = func(*protocol.StreamPart) {}
	}
	return &Dispatcher{
		humanCh:        cfg.Human,
		emit:           emit,
		workspaceRoots: cfg.WorkspaceRoots,
		workingDir:     cfg.WorkingDir,
		logger:         logger.With("component", "tools"),
		tools:          make(map[string]*Descriptor),
	}
}

// Register adds a descriptor. Re-registering a name replaces the previous
// descriptor.
func (d *Dispatcher) Register(desc *Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("tool descriptor needs a name")
	}
	if desc.Execute == nil {
		return fmt.Errorf("tool %s has no execute function", desc.Name)
	}
	d.mu.Lock()
	d.tools[desc.Name] = desc
	d.mu.Unlock()
	return nil
}

// Unregister removes a descriptor by name.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	delete(d.tools, name)
	d.mu.Unlock()
}

// Definitions lists the registered tools in stable order for provider APIs.
func (d *Dispatcher) Definitions() []provider.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]provider.ToolDefinition, 0, len(names))
	for _, name := range names {
		desc := d.tools[name]
		defs = append(defs, provider.ToolDefinition{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
		})
	}
	return defs
}

// Execute runs one tool call through the full protocol: lookup, validation,
// approval gate, execution. Failures surface as error outcomes, never Go
// errors; the error return is reserved for cancellation and disposal, which
// terminate the turn.
func (d *Dispatcher) Execute(ctx context.Context, call *protocol.ToolCall) (*protocol.ToolOutcome, error) {
	d.mu.RLock()
	desc, ok := d.tools[call.Name]
	d.mu.RUnlock()
	if !ok {
		return errorOutcome("Tool %s not found", call.Name), nil
	}

	input, err := desc.Validate(call.Input)
	if err != nil {
		return errorOutcome("%s", err.Error()), nil
	}

	if outcome, err := d.gate(ctx, desc, call, input); outcome != nil || err != nil {
		return outcome, err
	}

	return d.run(ctx, desc, call, input)
}

// gate consults the human channel when the descriptor or the danger
// classifier requires approval. A nil, nil return means the call may
// proceed.
func (d *Dispatcher) gate(ctx context.Context, desc *Descriptor, call *protocol.ToolCall, input map[string]any) (*protocol.ToolOutcome, error) {
	command, dangerous, reason := d.classify(desc, input)
	if !desc.RequiresApproval && !dangerous {
		return nil, nil
	}
	if d.humanCh == nil {
		return errorOutcome("%s", DeniedText), nil
	}

	fut, err := d.humanCh.Approve(command, dangerous, reason)
	if err != nil {
		return nil, err
	}
	// A yolo short-circuit has no request id and no pending prompt.
	if fut.ID != "" {
		d.emit(&protocol.StreamPart{
			Type:       protocol.PartToolApprovalRequest,
			ApprovalID: fut.ID,
			Call:       call,
		})
	}

	approved, err := fut.Await(ctx)
	if err != nil {
		return nil, err
	}
	if !approved {
		d.logger.Info("tool call denied", "tool", call.Name)
		d.emit(&protocol.StreamPart{
			Type:   protocol.PartToolOutputDenied,
			Key:    call.ID,
			Name:   call.Name,
			Reason: DeniedText,
		})
		return errorOutcome("%s", DeniedText), nil
	}
	return nil, nil
}

// classify renders the approval prompt command and runs the danger rules.
func (d *Dispatcher) classify(desc *Descriptor, input map[string]any) (command string, dangerous bool, reason string) {
	switch desc.Name {
	case "bash":
		command, _ = input["command"].(string)
		dangerous, reason = ClassifyCommand(command, d.workspaceRoots)
	case "write_file", "read_file":
		path, _ := input["path"].(string)
		command = desc.Name + " " + path
		dangerous, reason = ClassifyPath(path, d.workspaceRoots)
	default:
		command = desc.Name
	}
	return command, dangerous, reason
}

// run executes the tool, translating thrown failures and timeouts into error
// outcomes while letting turn cancellation propagate unwrapped.
func (d *Dispatcher) run(ctx context.Context, desc *Descriptor, call *protocol.ToolCall, input map[string]any) (*protocol.ToolOutcome, error) {
	execCtx := ctx
	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	type execResult struct {
		outcome *protocol.ToolOutcome
		err     error
	}
	results := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- execResult{err: fmt.Errorf("tool %s panicked: %v", desc.Name, r)}
			}
		}()
		outcome, err := desc.Execute(execCtx, Invocation{
			Input:      input,
			Raw:        call.Input,
			WorkingDir: d.workingDir,
		})
		results <- execResult{outcome: outcome, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return errorOutcome("%s", res.err.Error()), nil
		}
		if res.outcome == nil {
			return errorOutcome("tool %s returned no outcome", desc.Name), nil
		}
		return res.outcome, nil
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorOutcome("tool %s timed out after %s", desc.Name, desc.Timeout), nil
	}
}
