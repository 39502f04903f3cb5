package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/coworker/internal/bus"
	"github.com/haasonsaas/coworker/internal/credentials"
	"github.com/haasonsaas/coworker/internal/mcp"
	"github.com/haasonsaas/coworker/internal/observability"
	"github.com/haasonsaas/coworker/internal/protocol"
	"github.com/haasonsaas/coworker/internal/provider"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// ManagerConfig wires the session manager's collaborators.
type ManagerConfig struct {
	SessionDefaults protocol.SessionConfig
	OutputDir       string
	MCPConfigPath   string
	WorkspaceRoots  []string

	Store    *credentials.Store
	Resolver *credentials.Resolver
	Registry *mcp.Registry
	Bus      *bus.Bus
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Manager accepts WebSocket clients, one session per connection. It routes
// inbound frames to the session and multiplexes bus events back out.
type Manager struct {
	cfg          ManagerConfig
	orchestrator *Orchestrator
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg: cfg,
		orchestrator: NewOrchestrator(OrchestratorConfig{
			Resolver:       cfg.Resolver,
			Registry:       cfg.Registry,
			MCPConfigPath:  cfg.MCPConfigPath,
			WorkspaceRoots: cfg.WorkspaceRoots,
			Metrics:        cfg.Metrics,
			Tracer:         cfg.Tracer,
			Logger:         logger,
		}),
		logger: logger.With("component", "manager"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				// Local coworker server; clients connect from arbitrary origins.
				return true
			},
		},
		sessions: make(map[string]*Session),
	}
}

// Session returns a live session by id, or nil.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// ServeHTTP upgrades the connection and runs the session until disconnect.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := NewSession(uuid.NewString(), m.cfg.SessionDefaults, m.cfg.Bus, m.cfg.OutputDir, m.logger)
	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Inc()
	}

	sub := m.cfg.Bus.Subscribe(session.ID)
	client := &wsClient{
		manager: m,
		conn:    conn,
		session: session,
		sub:     sub,
		logger:  m.logger.With("session_id", session.ID),
	}
	client.run()

	m.mu.Lock()
	delete(m.sessions, session.ID)
	m.mu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Dec()
	}
}

type wsClient struct {
	manager *Manager
	conn    *websocket.Conn
	session *Session
	sub     *bus.Subscription
	logger  *slog.Logger
}

func (c *wsClient) run() {
	defer c.close()

	config := c.session.Config()
	c.session.Publish(&protocol.ServerEvent{
		Type:            protocol.EventServerHello,
		SessionID:       c.session.ID,
		ProtocolVersion: protocol.ProtocolVersion,
		Config:          &config,
	})

	go c.writeLoop()
	c.readLoop()
}

// close disposes the session on disconnect. Dispose shuts the bus down,
// which ends the write loop.
func (c *wsClient) close() {
	c.session.Dispose()
	c.sub.Close()
	c.conn.Close()
}

func (c *wsClient) writeLoop() {
	for ev := range c.sub.Events() {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			// Invalid envelope: logged and dropped, no client response.
			c.logger.Warn("undecodable frame dropped", "error", err)
			continue
		}
		if err := protocol.ValidateClientFrame(msg.Type, data); err != nil {
			c.session.PublishError(protocol.WrapTurnError(
				protocol.ErrCodeValidationFailed, protocol.SourceTransport, err))
			continue
		}
		c.manager.route(c.session, &msg)
	}
}

// route dispatches one validated client frame.
func (m *Manager) route(s *Session, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.MsgUserMessage:
		go m.orchestrator.RunTurn(s, msg.Text, msg.ClientMessageID)
	case protocol.MsgAskResponse:
		s.Human().ResolveAsk(msg.RequestID, msg.Answer)
	case protocol.MsgApprovalResponse:
		s.Human().ResolveApproval(msg.RequestID, msg.Approved)
	case protocol.MsgCancel:
		s.Cancel()
	case protocol.MsgConnectProvider:
		m.connectProvider(s, msg)
	case protocol.MsgProviderCatalogGet:
		m.publishCatalog(s)
	case protocol.MsgProviderAuthMethods:
		s.Publish(&protocol.ServerEvent{
			Type:      protocol.EventProviderAuthMethods,
			SessionID: s.ID,
			Provider:  msg.Provider,
			Methods:   provider.AuthMethods(msg.Provider),
		})
	case protocol.MsgRefreshProviderStatus:
		m.publishStatuses(s)
	case protocol.MsgMCPServersGet:
		m.publishMCPServers(s)
	case protocol.MsgMCPServerUpsert:
		m.upsertMCPServer(s, msg)
	case protocol.MsgMCPServerDelete:
		m.deleteMCPServer(s, msg)
	case protocol.MsgSetEnableMCP:
		s.SetEnableMCP(msg.EnableMCP)
	case protocol.MsgReset:
		if err := s.Reset(); err != nil {
			s.PublishError(protocol.AsTurnError(err))
		}
	default:
		// Unknown type: logged and dropped.
		m.logger.Warn("unknown message type dropped", "type", msg.Type, "session_id", s.ID)
	}
}

// connectProvider persists an API key or validates a supported OAuth flow.
func (m *Manager) connectProvider(s *Session, msg *protocol.ClientMessage) {
	methods := provider.AuthMethods(msg.Provider)
	if methods == nil {
		s.PublishError(protocol.NewTurnError(
			protocol.ErrCodeValidationFailed, protocol.SourceSession,
			"unknown provider "+msg.Provider))
		return
	}

	switch {
	case msg.APIKey != "":
		if err := m.cfg.Store.SaveAPIKey(msg.Provider, msg.APIKey); err != nil {
			s.PublishError(protocol.WrapTurnError(
				protocol.ErrCodeInternal, protocol.SourceSession, err))
			return
		}
	case msg.AuthFlow != "":
		supported := false
		for _, method := range methods {
			if method == msg.AuthFlow {
				supported = true
			}
		}
		if !supported {
			s.PublishError(protocol.NewTurnError(
				protocol.ErrCodeValidationFailed, protocol.SourceSession,
				"unsupported auth flow "+msg.AuthFlow+" for "+msg.Provider))
			return
		}
	default:
		s.PublishError(protocol.NewTurnError(
			protocol.ErrCodeValidationFailed, protocol.SourceSession,
			"connect_provider needs apiKey or authFlow"))
		return
	}
	m.publishStatuses(s)
}

func (m *Manager) publishCatalog(s *Session) {
	catalog, err := json.Marshal(provider.Catalog())
	if err != nil {
		return
	}
	s.Publish(&protocol.ServerEvent{
		Type:      protocol.EventProviderCatalog,
		SessionID: s.ID,
		Catalog:   catalog,
	})
}

func (m *Manager) publishStatuses(s *Session) {
	statuses, err := json.Marshal(provider.Statuses(m.cfg.Store))
	if err != nil {
		return
	}
	s.Publish(&protocol.ServerEvent{
		Type:      protocol.EventProviderStatus,
		SessionID: s.ID,
		Statuses:  statuses,
	})
}

func (m *Manager) publishMCPServers(s *Session) {
	doc, err := mcp.LoadDocument(m.cfg.MCPConfigPath)
	if err != nil {
		s.PublishError(protocol.WrapTurnError(
			protocol.ErrCodeInternal, protocol.SourceMCP, err))
		return
	}
	servers, err := json.Marshal(doc.Servers)
	if err != nil {
		return
	}
	s.Publish(&protocol.ServerEvent{
		Type:      protocol.EventMCPServers,
		SessionID: s.ID,
		Servers:   servers,
	})
}

func (m *Manager) upsertMCPServer(s *Session, msg *protocol.ClientMessage) {
	var spec mcp.ServerSpec
	if err := json.Unmarshal(msg.Server, &spec); err != nil {
		s.PublishError(protocol.WrapTurnError(
			protocol.ErrCodeValidationFailed, protocol.SourceMCP, err))
		return
	}
	doc, err := mcp.LoadDocument(m.cfg.MCPConfigPath)
	if err != nil {
		s.PublishError(protocol.WrapTurnError(protocol.ErrCodeInternal, protocol.SourceMCP, err))
		return
	}
	if err := doc.Upsert(spec, msg.PreviousName); err != nil {
		s.PublishError(protocol.WrapTurnError(
			protocol.ErrCodeValidationFailed, protocol.SourceMCP, err))
		return
	}
	if err := mcp.SaveDocument(m.cfg.MCPConfigPath, doc); err != nil {
		s.PublishError(protocol.WrapTurnError(protocol.ErrCodeInternal, protocol.SourceMCP, err))
		return
	}
	m.publishMCPServers(s)
}

func (m *Manager) deleteMCPServer(s *Session, msg *protocol.ClientMessage) {
	doc, err := mcp.LoadDocument(m.cfg.MCPConfigPath)
	if err != nil {
		s.PublishError(protocol.WrapTurnError(protocol.ErrCodeInternal, protocol.SourceMCP, err))
		return
	}
	if doc.Delete(msg.Name) {
		if err := mcp.SaveDocument(m.cfg.MCPConfigPath, doc); err != nil {
			s.PublishError(protocol.WrapTurnError(protocol.ErrCodeInternal, protocol.SourceMCP, err))
			return
		}
	}
	m.publishMCPServers(s)
}
