// Package session implements the per-thread state machine, the turn
// orchestrator that drives the runtime adapter, and the session manager
// accepting WebSocket clients.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/coworker/internal/protocol"
)

// Transcript is a session's ordered conversation history. Mutations happen
// only on the session's turn; persistence is an append-only JSONL file, one
// message per line.
type Transcript struct {
	mu       sync.Mutex
	messages []protocol.Message
	path     string
	logger   *slog.Logger
}

// NewTranscript creates a transcript. An empty outputDir disables
// persistence; history then lives only in memory.
func NewTranscript(outputDir, sessionID string, logger *slog.Logger) *Transcript {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transcript{logger: logger.With("component", "transcript", "session_id", sessionID)}
	if outputDir != "" {
		t.path = filepath.Join(outputDir, sessionID+".jsonl")
	}
	return t
}

// Messages returns a copy of the history.
func (t *Transcript) Messages() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Message(nil), t.messages...)
}

// Len reports the number of messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Append adds messages to the history and the backing file. The in-memory
// history is updated even when the file write fails; persistence is best
// effort, ordering is not.
func (t *Transcript) Append(msgs ...protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msgs...)
	if t.path == "" {
		return
	}
	if err := t.appendFile(msgs); err != nil {
		t.logger.Warn("transcript write failed", "error", err)
	}
}

func (t *Transcript) appendFile(msgs []protocol.Message) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	return w.Flush()
}

// Reset clears the history and truncates the backing file.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
	if t.path == "" {
		return
	}
	if err := os.Truncate(t.path, 0); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("transcript truncate failed", "error", err)
	}
}
