package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// httpTransport POSTs JSON-RPC requests to the server URL. With the sse
// transport type it also holds a Server-Sent Events stream open so the
// server can push notifications.
type httpTransport struct {
	spec   ServerSpec
	sse    bool
	logger *slog.Logger
	client *http.Client

	connected atomic.Bool
	stopChan  chan struct{}
	cancelSSE context.CancelFunc
	wg        sync.WaitGroup
}

func newHTTPTransport(spec ServerSpec) *httpTransport {
	return &httpTransport{
		spec:     spec,
		sse:      spec.Transport.Type == TransportSSE,
		logger:   slog.Default().With("component", "mcp", "server", spec.Name, "transport", spec.Transport.Type),
		client:   &http.Client{Timeout: 30 * time.Second},
		stopChan: make(chan struct{}),
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	t.connected.Store(true)
	if t.sse {
		// The stream must survive the dial context; Close cancels it.
		sseCtx, cancel := context.WithCancel(context.Background())
		t.cancelSSE = cancel
		t.wg.Add(1)
		go t.sseLoop(sseCtx)
	}
	t.logger.Info("mcp transport ready", "url", t.spec.Transport.URL)
	return nil
}

func (t *httpTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)
	if t.cancelSSE != nil {
		t.cancelSSE()
	}
	t.wg.Wait()
	return nil
}

func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp server %s: not connected", t.spec.Name)
	}

	req := rpcRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	body, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

func (t *httpTransport) Notify(ctx context.Context, method string, params any) error {
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
	_, err := t.post(ctx, notif)
	return err
}

func (t *httpTransport) Connected() bool {
	return t.connected.Load()
}

func (t *httpTransport) post(ctx context.Context, payload any) ([]byte, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.spec.Transport.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.spec.Transport.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// sseLoop keeps an event stream open, reconnecting with a fixed pause.
// Pushed notifications are logged; this client does not act on them.
func (t *httpTransport) sseLoop(ctx context.Context) {
	defer t.wg.Done()

	sseURL := strings.TrimSuffix(t.spec.Transport.URL, "/") + "/sse"
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		t.readSSE(ctx, sseURL)

		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (t *httpTransport) readSSE(ctx context.Context, sseURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.spec.Transport.Headers {
		req.Header.Set(k, v)
	}

	// The shared client's timeout would sever a healthy stream.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		t.logger.Debug("sse connect failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("sse returned non-200", "status", resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var notif rpcNotification
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &notif); err == nil && notif.Method != "" {
			t.logger.Debug("server notification", "method", notif.Method)
		}
	}
}
