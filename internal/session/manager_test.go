package session

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/haasonsaas/coworker/internal/bus"
	"github.com/haasonsaas/coworker/internal/credentials"
	"github.com/haasonsaas/coworker/internal/mcp"
	"github.com/haasonsaas/coworker/internal/protocol"
	"github.com/haasonsaas/coworker/internal/provider"
)

type routeFixture struct {
	manager *Manager
	session *Session
	store   *credentials.Store

	mu     sync.Mutex
	events []*protocol.ServerEvent
	drain  sync.WaitGroup
}

func newRouteFixture(t *testing.T) *routeFixture {
	t.Helper()

	store := credentials.NewStore(t.TempDir())
	events := bus.New(nil)
	f := &routeFixture{store: store}
	f.manager = NewManager(ManagerConfig{
		MCPConfigPath: filepath.Join(t.TempDir(), "mcp.yaml"),
		Store:         store,
		Resolver:      credentials.NewResolver(store, nil),
		Registry:      mcp.NewRegistry(nil),
		Bus:           events,
	})
	f.session = NewSession("s1", protocol.SessionConfig{Provider: "openai", Model: "gpt-4o"}, events, "", nil)

	sub := events.Subscribe(f.session.ID)
	f.drain.Add(1)
	go func() {
		defer f.drain.Done()
		for ev := range sub.Events() {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		}
	}()
	return f
}

func (f *routeFixture) finish() []*protocol.ServerEvent {
	f.session.Dispose()
	f.drain.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.ServerEvent(nil), f.events...)
}

func TestRouteConnectProviderAPIKey(t *testing.T) {
	f := newRouteFixture(t)

	f.manager.route(f.session, &protocol.ClientMessage{
		Type:     protocol.MsgConnectProvider,
		Provider: "openai",
		APIKey:   "test-key",
	})
	events := f.finish()

	file, err := f.store.Load("openai")
	if err != nil || file.Tokens.AccessToken != "test-key" {
		t.Fatalf("stored key = %+v, %v", file, err)
	}

	statuses := eventsOfType(events, protocol.EventProviderStatus)
	if len(statuses) != 1 {
		t.Fatalf("status events = %d", len(statuses))
	}
	var parsed []provider.Status
	if err := json.Unmarshal(statuses[0].Statuses, &parsed); err != nil {
		t.Fatalf("statuses payload: %v", err)
	}
	var openaiConnected bool
	for _, st := range parsed {
		if st.Name == "openai" && st.Connected {
			openaiConnected = true
		}
	}
	if !openaiConnected {
		t.Fatalf("openai not connected in %+v", parsed)
	}
}

func TestRouteConnectProviderRejections(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.ClientMessage
	}{
		{"unknown provider", protocol.ClientMessage{
			Type: protocol.MsgConnectProvider, Provider: "nope", APIKey: "k"}},
		{"unsupported flow", protocol.ClientMessage{
			Type: protocol.MsgConnectProvider, Provider: "openai", AuthFlow: "device_code"}},
		{"neither key nor flow", protocol.ClientMessage{
			Type: protocol.MsgConnectProvider, Provider: "openai"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouteFixture(t)
			f.manager.route(f.session, &tt.msg)
			events := f.finish()

			errs := eventsOfType(events, protocol.EventError)
			if len(errs) != 1 || errs[0].Code != protocol.ErrCodeValidationFailed {
				t.Fatalf("error events = %+v", errs)
			}
		})
	}
}

func TestRouteProviderCatalog(t *testing.T) {
	f := newRouteFixture(t)

	f.manager.route(f.session, &protocol.ClientMessage{Type: protocol.MsgProviderCatalogGet})
	f.manager.route(f.session, &protocol.ClientMessage{
		Type:     protocol.MsgProviderAuthMethods,
		Provider: "anthropic",
	})
	events := f.finish()

	catalogs := eventsOfType(events, protocol.EventProviderCatalog)
	if len(catalogs) != 1 {
		t.Fatalf("catalog events = %d", len(catalogs))
	}
	var entries []provider.CatalogEntry
	if err := json.Unmarshal(catalogs[0].Catalog, &entries); err != nil || len(entries) == 0 {
		t.Fatalf("catalog payload: %v (%d entries)", err, len(entries))
	}

	methods := eventsOfType(events, protocol.EventProviderAuthMethods)
	if len(methods) != 1 || methods[0].Provider != "anthropic" || len(methods[0].Methods) == 0 {
		t.Fatalf("auth methods events = %+v", methods)
	}
}

func TestRouteMCPServerLifecycle(t *testing.T) {
	f := newRouteFixture(t)

	spec, _ := json.Marshal(mcp.ServerSpec{
		Name:      "files",
		Transport: mcp.TransportSpec{Type: "stdio", Command: "mcp-files"},
	})
	f.manager.route(f.session, &protocol.ClientMessage{
		Type:   protocol.MsgMCPServerUpsert,
		Server: spec,
	})
	f.manager.route(f.session, &protocol.ClientMessage{Type: protocol.MsgMCPServersGet})
	f.manager.route(f.session, &protocol.ClientMessage{
		Type: protocol.MsgMCPServerDelete,
		Name: "files",
	})
	events := f.finish()

	// upsert, get, delete each publish the current server list.
	lists := eventsOfType(events, protocol.EventMCPServers)
	if len(lists) != 3 {
		t.Fatalf("mcp_servers events = %d", len(lists))
	}
	var afterUpsert []mcp.ServerSpec
	if err := json.Unmarshal(lists[0].Servers, &afterUpsert); err != nil {
		t.Fatalf("servers payload: %v", err)
	}
	if len(afterUpsert) != 1 || afterUpsert[0].Name != "files" {
		t.Fatalf("after upsert = %+v", afterUpsert)
	}
	var afterDelete []mcp.ServerSpec
	if err := json.Unmarshal(lists[2].Servers, &afterDelete); err != nil {
		t.Fatalf("servers payload: %v", err)
	}
	if len(afterDelete) != 0 {
		t.Fatalf("after delete = %+v", afterDelete)
	}
}

func TestRouteMCPUpsertInvalidSpec(t *testing.T) {
	f := newRouteFixture(t)

	spec, _ := json.Marshal(mcp.ServerSpec{
		Name:      "bad__name",
		Transport: mcp.TransportSpec{Type: "stdio", Command: "x"},
	})
	f.manager.route(f.session, &protocol.ClientMessage{
		Type:   protocol.MsgMCPServerUpsert,
		Server: spec,
	})
	events := f.finish()

	errs := eventsOfType(events, protocol.EventError)
	if len(errs) != 1 || errs[0].Code != protocol.ErrCodeValidationFailed || errs[0].Source != protocol.SourceMCP {
		t.Fatalf("error events = %+v", errs)
	}
}

func TestRouteSetEnableMCP(t *testing.T) {
	f := newRouteFixture(t)

	f.manager.route(f.session, &protocol.ClientMessage{
		Type:      protocol.MsgSetEnableMCP,
		EnableMCP: true,
	})
	events := f.finish()

	if !f.session.Config().EnableMCP {
		t.Fatal("enableMcp not applied")
	}
	settings := eventsOfType(events, protocol.EventSessionSettings)
	if len(settings) != 1 || settings[0].Config == nil || !settings[0].Config.EnableMCP {
		t.Fatalf("settings events = %+v", settings)
	}
}

func TestRouteUnknownTypeDropped(t *testing.T) {
	f := newRouteFixture(t)

	f.manager.route(f.session, &protocol.ClientMessage{Type: "frobnicate"})
	events := f.finish()

	if len(events) != 0 {
		t.Fatalf("unexpected events = %+v", events)
	}
}
