package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const stdioCallTimeout = 30 * time.Second

// stdioTransport runs the server as a subprocess and speaks line-delimited
// JSON-RPC over its stdin/stdout. stderr is drained into the log.
type stdioTransport struct {
	spec   ServerSpec
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func newStdioTransport(spec ServerSpec) *stdioTransport {
	return &stdioTransport{
		spec:     spec,
		logger:   slog.Default().With("component", "mcp", "server", spec.Name, "transport", "stdio"),
		pending:  make(map[int64]chan *rpcResponse),
		stopChan: make(chan struct{}),
	}
}

// Connect starts the subprocess. The process outlives ctx; it is torn down
// by Close when the registry drops its last reference.
func (t *stdioTransport) Connect(ctx context.Context) error {
	ts := t.spec.Transport
	t.process = exec.Command(ts.Command, ts.Args...)
	t.process.Env = os.Environ()
	for k, v := range ts.Env {
		t.process.Env = append(t.process.Env, k+"="+v)
	}
	if ts.Cwd != "" {
		t.process.Dir = ts.Cwd
	}

	var err error
	if t.stdin, err = t.process.StdinPipe(); err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)
	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start %s: %w", ts.Command, err)
	}
	t.connected.Store(true)
	t.logger.Info("mcp server process started", "command", ts.Command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()
	if t.stderr != nil {
		t.wg.Add(1)
		go t.drainStderr()
	}
	return nil
}

func (t *stdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		t.process.Process.Kill()
		t.process.Wait()
	}
	t.wg.Wait()
	return nil
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp server %s: not connected", t.spec.Name)
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	respChan := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(stdioCallTimeout):
		return nil, fmt.Errorf("mcp server %s: %s timed out after %s", t.spec.Name, method, stdioCallTimeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("mcp server %s: transport closed", t.spec.Name)
	}
}

func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("mcp server %s: not connected", t.spec.Name)
	}
	notif := rpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = data
	}
	data, _ := json.Marshal(notif)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (t *stdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *stdioTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.dispatchLine(line)
	}
	if err := t.stdout.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// dispatchLine routes one JSON-RPC message to its pending caller. Server
// notifications are logged and dropped; this client does not subscribe to
// them.
func (t *stdioTransport) dispatchLine(line string) {
	var resp rpcResponse
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		default:
			t.logger.Warn("unexpected response id type", "id", resp.ID)
			return
		}
		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			ch <- &resp
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	var notif rpcNotification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		t.logger.Debug("server notification", "method", notif.Method)
	}
}

func (t *stdioTransport) drainStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}
