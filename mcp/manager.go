package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"loom/config"
	"loom/eventlog"
	"loom/rpc"
	"loom/schema"
)

const (
	protocolVersion = "2025-06-18"
	clientName      = "loom"
	clientVersion   = "0.1.0"
)

type serverConn struct {
	Name      string
	Endpoint  string
	AuthToken string
	State     State
	LastError string
	Tools     []Tool

	channel rpc.Channel
	peer    *rpc.Peer
}

// Manager holds the connections to every configured tool server and is the
// only component that talks JSON-RPC to them. Every failure degrades to a
// recorded last-error string plus a state transition; nothing here panics or
// crashes the orchestration loop.
type Manager struct {
	mu      sync.RWMutex
	tools   config.ToolsConfig
	events  *eventlog.Log
	servers map[string]*serverConn
}

func NewManager(tools config.ToolsConfig, events *eventlog.Log) *Manager {
	return &Manager{
		tools:   tools,
		events:  events,
		servers: make(map[string]*serverConn),
	}
}

func (m *Manager) rpcTimeout() time.Duration {
	return time.Duration(m.tools.RPCTimeoutSecs) * time.Second
}

func (m *Manager) callTimeout() time.Duration {
	return time.Duration(m.tools.CallTimeoutSecs) * time.Second
}

// Connect dials a tool server, runs the initialize handshake, and eagerly
// caches the tool list. A server that is already connected is a no-op. On
// failure at any stage the partial resources are released, the error string
// recorded, and the state set to error.
func (m *Manager) Connect(ctx context.Context, name, endpoint, authToken string) error {
	m.mu.Lock()
	if existing, ok := m.servers[name]; ok && (existing.State == StateConnected || existing.State == StateConnecting) {
		m.mu.Unlock()
		return nil
	}
	conn := &serverConn{
		Name:      name,
		Endpoint:  endpoint,
		AuthToken: authToken,
		State:     StateConnecting,
	}
	m.servers[name] = conn
	m.mu.Unlock()

	m.events.Append("mcp", "connect", fmt.Sprintf("%s %s", name, endpoint))
	if config.DebugLog != nil {
		config.DebugLog.Printf("[MCP] Connect: dialing %s (%s)", name, endpoint)
	}

	channel, err := rpc.Dial(ctx, endpoint, rpc.ChannelOptions{
		AuthToken:    authToken,
		SessionWait:  time.Duration(m.tools.SessionWaitSecs) * time.Second,
		ReconnectCap: time.Duration(m.tools.ReconnectCapSecs) * time.Second,
	})
	if err != nil {
		return m.failConnect(name, nil, nil, fmt.Errorf("dial: %w", err))
	}

	peer := rpc.NewPeer(channel, func(method string, params json.RawMessage) {
		m.handleNotification(name, method, params)
	})

	initCtx, cancel := context.WithTimeout(ctx, m.rpcTimeout())
	_, err = peer.Call(initCtx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	})
	cancel()
	if err != nil {
		return m.failConnect(name, channel, peer, fmt.Errorf("initialize: %w", err))
	}

	notifyCtx, cancel := context.WithTimeout(ctx, m.rpcTimeout())
	err = peer.Notify(notifyCtx, "notifications/initialized", map[string]any{})
	cancel()
	if err != nil {
		return m.failConnect(name, channel, peer, fmt.Errorf("initialized notification: %w", err))
	}

	tools, err := m.fetchTools(ctx, name, peer)
	if err != nil {
		return m.failConnect(name, channel, peer, fmt.Errorf("tools/list: %w", err))
	}

	// Heartbeat only makes sense on a duplex socket; SSE gateways answer
	// POSTs out of band and many reject unknown methods with a hard close.
	if _, isWS := channel.(*rpc.WebSocketChannel); isWS && m.tools.HeartbeatSecs > 0 {
		peer.StartHeartbeat(time.Duration(m.tools.HeartbeatSecs)*time.Second, m.rpcTimeout())
	}

	m.mu.Lock()
	conn.channel = channel
	conn.peer = peer
	conn.Tools = tools
	conn.State = StateConnected
	conn.LastError = ""
	m.mu.Unlock()

	m.events.Append("mcp", "connected", fmt.Sprintf("%s tools=%d", name, len(tools)))
	if config.DebugLog != nil {
		config.DebugLog.Printf("[MCP] Connect: %s connected with %d tools", name, len(tools))
	}
	return nil
}

func (m *Manager) failConnect(name string, channel rpc.Channel, peer *rpc.Peer, err error) error {
	if peer != nil {
		peer.Close()
	} else if channel != nil {
		channel.Close()
	}

	m.mu.Lock()
	if conn, ok := m.servers[name]; ok {
		conn.State = StateError
		conn.LastError = err.Error()
		conn.channel = nil
		conn.peer = nil
		conn.Tools = nil
	}
	m.mu.Unlock()

	m.events.Append("mcp", "connect_failed", fmt.Sprintf("%s: %v", name, err))
	if config.DebugLog != nil {
		config.DebugLog.Printf("[MCP] Connect: %s failed: %v", name, err)
	}
	return err
}

// Disconnect closes the peer and channel for one server, failing all its
// pending requests, and clears the cached tools.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	conn, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	peer := conn.peer
	channel := conn.channel
	conn.peer = nil
	conn.channel = nil
	conn.Tools = nil
	conn.State = StateDisconnected
	m.mu.Unlock()

	if peer != nil {
		peer.Close()
	} else if channel != nil {
		channel.Close()
	}

	m.events.Append("mcp", "disconnect", name)
	if config.DebugLog != nil {
		config.DebugLog.Printf("[MCP] Disconnect: %s", name)
	}
}

// Shutdown disconnects every server.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Disconnect(name)
	}
}

// ListTools returns the cached tools for one server, or the union across all
// connected servers when name is empty. The union is ordered by server name
// so callers see a stable manifest.
func (m *Manager) ListTools(name string) []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name != "" {
		if conn, ok := m.servers[name]; ok {
			return append([]Tool(nil), conn.Tools...)
		}
		return nil
	}

	names := make([]string, 0, len(m.servers))
	for n := range m.servers {
		names = append(names, n)
	}
	sort.Strings(names)

	var all []Tool
	for _, n := range names {
		all = append(all, m.servers[n].Tools...)
	}
	return all
}

// GetState returns the connection state for a server; unknown servers are
// disconnected.
func (m *Manager) GetState(name string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conn, ok := m.servers[name]; ok {
		return conn.State
	}
	return StateDisconnected
}

// GetLastError returns the most recent recorded failure for a server.
func (m *Manager) GetLastError(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conn, ok := m.servers[name]; ok {
		return conn.LastError
	}
	return ""
}

// findTool resolves a tool descriptor by exact name, falling back to a
// suffix match for namespaced names like "server.tool".
func (m *Manager) findTool(server, toolName string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.servers[server]
	if !ok {
		return Tool{}, false
	}

	for _, t := range conn.Tools {
		if t.Name == toolName {
			return t, true
		}
	}

	if idx := strings.LastIndex(toolName, "."); idx != -1 {
		suffix := toolName[idx+1:]
		for _, t := range conn.Tools {
			if t.Name == suffix {
				return t, true
			}
		}
	}

	return Tool{}, false
}

// ValidateToolArguments checks args against the tool's declared schema
// before anything goes over the wire. An unknown tool yields a single
// error; a tool with no usable schema accepts anything.
func (m *Manager) ValidateToolArguments(server, toolName string, args map[string]any) []string {
	tool, ok := m.findTool(server, toolName)
	if !ok {
		return []string{fmt.Sprintf("unknown tool: %s", toolName)}
	}

	normalized := schema.Normalize(tool.InputSchema)
	return schema.Validate(normalized, args, "args")
}

// Call issues tools/call and returns a result-or-error value. It never
// returns a Go error: transport and RPC failures come back as CallResult
// with the Error string set and are recorded as the server's last error.
func (m *Manager) Call(ctx context.Context, server, toolName string, args map[string]any, timeout time.Duration) CallResult {
	m.mu.RLock()
	conn, ok := m.servers[server]
	var peer *rpc.Peer
	if ok {
		peer = conn.peer
	}
	m.mu.RUnlock()

	if !ok || peer == nil {
		return CallResult{Error: fmt.Sprintf("server %s not connected", server)}
	}

	// Models invoke tools by their advertised "server.tool" name; the server
	// itself only knows the bare name.
	if tool, found := m.findTool(server, toolName); found {
		toolName = tool.Name
	}

	if timeout <= 0 {
		timeout = m.callTimeout()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.events.Append("mcp", "tool_call", fmt.Sprintf("%s.%s", server, toolName))
	if config.DebugLog != nil {
		config.DebugLog.Printf("[MCP] Call: %s.%s", server, toolName)
	}

	raw, err := peer.Call(callCtx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": args,
	})
	if err != nil {
		m.recordError(server, err)
		m.events.Append("mcp", "tool_call_failed", fmt.Sprintf("%s.%s: %v", server, toolName, err))
		return CallResult{Error: err.Error()}
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		m.recordError(server, err)
		return CallResult{Error: fmt.Sprintf("malformed tool result: %v", err)}
	}

	return CallResult{Result: result}
}

func (m *Manager) recordError(server string, err error) {
	m.mu.Lock()
	if conn, ok := m.servers[server]; ok {
		conn.LastError = err.Error()
	}
	m.mu.Unlock()
}

func (m *Manager) fetchTools(ctx context.Context, server string, peer *rpc.Peer) ([]Tool, error) {
	listCtx, cancel := context.WithTimeout(ctx, m.rpcTimeout())
	defer cancel()

	raw, err := peer.Call(listCtx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/list result: %w", err)
	}

	for i := range result.Tools {
		result.Tools[i].Server = server
	}
	return result.Tools, nil
}

// handleNotification reacts to server-initiated notifications. A tool list
// change triggers an asynchronous refresh of the cached tools.
func (m *Manager) handleNotification(server, method string, params json.RawMessage) {
	if config.DebugLog != nil {
		config.DebugLog.Printf("[MCP] notification from %s: %s", server, method)
	}

	if method != "notifications/tools/list_changed" {
		return
	}

	m.mu.RLock()
	conn, ok := m.servers[server]
	var peer *rpc.Peer
	if ok {
		peer = conn.peer
	}
	m.mu.RUnlock()

	if peer == nil {
		return
	}

	go func() {
		tools, err := m.fetchTools(context.Background(), server, peer)
		if err != nil {
			m.recordError(server, err)
			return
		}

		m.mu.Lock()
		if conn, ok := m.servers[server]; ok && conn.peer == peer {
			conn.Tools = tools
		}
		m.mu.Unlock()

		m.events.Append("mcp", "tools_refreshed", fmt.Sprintf("%s tools=%d", server, len(tools)))
	}()
}
