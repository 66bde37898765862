// Package turn drives one user turn of a chat: it streams a model
// generation, detects structured tool calls, suspends the stream, executes
// the call against a tool server, injects the result into the transcript and
// resumes generation. The loop is bounded and cancellable at every stage.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"loom/config"
	"loom/eventlog"
	"loom/mcp"
	"loom/model"
	"loom/storage"
)

// Stream suspension sentinels. The provider callback returns one of these to
// abort the underlying stream; they never escape SendPrompt.
var (
	errToolCallReady = errors.New("tool call ready")
	errTurnCancelled = errors.New("turn cancelled")
)

// ToolBackend is the slice of the tool client the controller needs. It is
// satisfied by *mcp.Manager.
type ToolBackend interface {
	ListTools(server string) []mcp.Tool
	ValidateToolArguments(server, toolName string, args map[string]any) []string
	Call(ctx context.Context, server, toolName string, args map[string]any, timeout time.Duration) mcp.CallResult
}

// chatState tracks one chat's in-flight turn and transcript. Guarded by the
// controller mutex.
type chatState struct {
	messages  []*model.Message
	streaming bool
	cancelled bool
	lastError string
}

// Controller owns per-chat turn state. Multiple chats may run turns
// concurrently; within one chat a single turn is in flight at a time.
type Controller struct {
	provider model.Provider
	tools    ToolBackend
	store    storage.Store
	cfg      config.ToolsConfig
	events   *eventlog.Log

	mu    sync.Mutex
	chats map[string]*chatState
	caps  map[string]bool
}

// NewController creates a turn controller. store may be nil, in which case
// transcripts live only in memory and persistence is skipped.
func NewController(provider model.Provider, tools ToolBackend, store storage.Store, cfg config.ToolsConfig, events *eventlog.Log) *Controller {
	return &Controller{
		provider: provider,
		tools:    tools,
		store:    store,
		cfg:      cfg,
		events:   events,
		chats:    make(map[string]*chatState),
		caps:     make(map[string]bool),
	}
}

// SendPrompt runs one complete turn for chatID: appends the user message,
// then loops generation and tool execution until a final assistant message is
// produced, the turn is cancelled, or the tool-call bound is hit. It blocks
// until the turn ends.
func (c *Controller) SendPrompt(ctx context.Context, chatID, text string) error {
	st, err := c.beginTurn(chatID)
	if err != nil {
		return err
	}
	defer c.endTurn(st)

	userMsg := model.NewMessage(model.RoleUser, text)
	c.appendMessage(chatID, st, userMsg)
	c.events.Append("TURN", "prompt", chatID)

	available := c.availableTools()
	structured := c.modelSupportsTools()
	if config.DebugLog != nil {
		config.DebugLog.Printf("[TURN] start: chat=%s tools=%d structured=%v", chatID, len(available), structured)
	}

	maxCalls := c.cfg.MaxCallsPerTurn
	for i := 0; i < maxCalls; i++ {
		pending, call, err := c.generate(ctx, chatID, st, available, structured)

		switch {
		case errors.Is(err, errTurnCancelled) || c.isCancelled(chatID):
			c.finalize(pending)
			c.events.Append("TURN", "cancelled", chatID)
			return nil

		case err != nil && !errors.Is(err, errToolCallReady):
			c.finalize(pending)
			c.setLastError(chatID, err.Error())
			c.events.Append("TURN", "stream_error", err.Error())
			return fmt.Errorf("generation failed: %w", err)

		case call.Complete():
			c.finalize(pending)
			done, err := c.executeToolCall(ctx, chatID, st, call, available)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			// Loop: next generation sees the tool result in the transcript.

		default:
			// No tool call: the streamed message is the final answer.
			c.finalize(pending)
			return nil
		}
	}

	// The model kept requesting tools past the bound.
	limitMsg := model.NewMessage(model.RoleAssistant,
		fmt.Sprintf("Stopped after %d tool calls without a final answer. Rephrase the request or raise the tool call limit.", maxCalls))
	c.appendMessage(chatID, st, limitMsg)
	c.events.Append("TURN", "bound_exceeded", chatID)
	return nil
}

// generate runs one model stream. It returns the pending assistant message
// (nil if no delta arrived) and the accumulated tool call (nil if none). The
// returned error is the raw stream error, possibly one of the suspension
// sentinels.
func (c *Controller) generate(ctx context.Context, chatID string, st *chatState, available []mcp.Tool, structured bool) (*model.Message, *model.ToolCall, error) {
	outgoing := c.buildOutgoing(st, available, structured)

	var pending *model.Message
	var call *model.ToolCall

	callback := func(chunk string, frags []model.ToolCall) error {
		if c.isCancelled(chatID) {
			return errTurnCancelled
		}
		if chunk == "" && len(frags) == 0 {
			return nil
		}

		c.mu.Lock()
		first := pending == nil
		if first {
			pending = model.NewMessage(model.RoleAssistant, "")
			st.messages = append(st.messages, pending)
		}
		pending.Content += chunk
		for i := range frags {
			if call == nil {
				call = &model.ToolCall{}
			}
			call.Merge(&frags[i])
		}
		pending.ToolCall = call
		c.mu.Unlock()

		if first {
			c.persistAdd(chatID, pending)
		}
		if call.Complete() {
			return errToolCallReady
		}
		return nil
	}

	var err error
	if structured && len(available) > 0 {
		err = c.provider.ChatWithTools(ctx, outgoing, available, callback)
	} else {
		err = c.provider.Chat(ctx, outgoing, callback)
	}
	return pending, call, err
}

// executeToolCall appends the tool scaffold message, validates and runs the
// call, and mutates the scaffold with the settled result. done is true when
// the turn must end (cancellation) rather than loop into another generation.
func (c *Controller) executeToolCall(ctx context.Context, chatID string, st *chatState, call *model.ToolCall, available []mcp.Tool) (done bool, err error) {
	server := resolveServer(call, available)

	toolMsg := model.NewMessage(model.RoleTool, "")
	toolMsg.ToolCall = call
	c.appendMessage(chatID, st, toolMsg)

	if config.DebugLog != nil {
		config.DebugLog.Printf("[TURN] tool call: chat=%s server=%s name=%s", chatID, server, call.Name)
	}

	if problems := c.tools.ValidateToolArguments(server, call.Name, call.Arguments); len(problems) > 0 {
		c.settle(chatID, toolMsg, mcp.CallResult{Error: "Invalid arguments: " + strings.Join(problems, "; ")})
		c.events.Append("TURN", "validation_failed", call.Name)
		return false, nil
	}

	if c.isCancelled(chatID) {
		c.settle(chatID, toolMsg, mcp.CallResult{Error: "Cancelled"})
		return true, nil
	}

	timeout := time.Duration(c.cfg.CallTimeoutSecs) * time.Second
	result := c.tools.Call(ctx, server, call.Name, call.Arguments, timeout)

	// Cancellation won while the call was in flight: the remote call ran to
	// completion but its result is discarded, not injected.
	if c.isCancelled(chatID) {
		c.settle(chatID, toolMsg, mcp.CallResult{Error: "Cancelled"})
		c.events.Append("TURN", "cancelled", chatID)
		return true, nil
	}

	c.settle(chatID, toolMsg, result)
	if result.Error == "Cancelled" {
		return true, nil
	}
	c.events.Append("TURN", "tool_result", call.Name)
	return false, nil
}

// settle records the outcome on a tool scaffold message.
func (c *Controller) settle(chatID string, toolMsg *model.Message, result mcp.CallResult) {
	c.mu.Lock()
	toolMsg.ToolResult = &model.ToolResult{Result: result.Result, Error: result.Error}
	toolMsg.Content = summarizeResult(result)
	toolMsg.Finalize()
	c.mu.Unlock()
	c.persistUpdate(toolMsg)
}

// buildOutgoing snapshots the transcript and prepends the tool manifest
// system message.
func (c *Controller) buildOutgoing(st *chatState, available []mcp.Tool, structured bool) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	outgoing := make([]model.Message, 0, len(st.messages)+1)
	if len(available) > 0 {
		outgoing = append(outgoing, model.Message{
			Role:    model.RoleSystem,
			Content: buildToolManifest(available, structured),
		})
	}
	for _, m := range st.messages {
		outgoing = append(outgoing, *m)
	}
	return outgoing
}

// Cancel flags the chat's in-flight turn for termination. The flag is
// observed at the next delta and before any tool result is committed.
// Cancelling an idle chat or an already-cancelled turn is a no-op.
func (c *Controller) Cancel(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.chats[chatID]
	if !ok || !st.streaming {
		return
	}
	st.cancelled = true
}

// Messages returns a snapshot of the chat transcript.
func (c *Controller) Messages(chatID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]model.Message, 0, len(st.messages))
	for _, m := range st.messages {
		out = append(out, *m)
	}
	return out
}

// LastError returns the chat-level error from the most recent turn, if any.
// It is distinct from the transcript so the caller can show and clear it
// without touching message history.
func (c *Controller) LastError(chatID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.chats[chatID]; ok {
		return st.lastError
	}
	return ""
}

// ClearError drops the chat-level error record.
func (c *Controller) ClearError(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.chats[chatID]; ok {
		st.lastError = ""
	}
}

// InvalidateCapabilityCache drops the per-model structured-tool-support
// cache. Entries otherwise persist for the session since they are keyed by
// model name.
func (c *Controller) InvalidateCapabilityCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps = make(map[string]bool)
}

func (c *Controller) beginTurn(chatID string) (*chatState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.chats[chatID]
	if !ok {
		st = &chatState{}
		c.chats[chatID] = st
	}
	if st.streaming {
		return nil, fmt.Errorf("a turn is already in progress for chat %s", chatID)
	}
	st.streaming = true
	st.cancelled = false
	st.lastError = ""
	return st, nil
}

func (c *Controller) endTurn(st *chatState) {
	c.mu.Lock()
	st.streaming = false
	c.mu.Unlock()
}

func (c *Controller) isCancelled(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.chats[chatID]; ok {
		return st.cancelled
	}
	return false
}

func (c *Controller) setLastError(chatID string, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.chats[chatID]; ok {
		st.lastError = msg
	}
}

func (c *Controller) availableTools() []mcp.Tool {
	if c.tools == nil {
		return nil
	}
	return c.tools.ListTools("")
}

// modelSupportsTools resolves structured tool-call support for the active
// model, cached per model name after the first lookup.
func (c *Controller) modelSupportsTools() bool {
	name := c.provider.GetModel()

	c.mu.Lock()
	cached, ok := c.caps[name]
	c.mu.Unlock()
	if ok {
		return cached
	}

	supports := c.provider.SupportsTools(name)
	c.mu.Lock()
	c.caps[name] = supports
	c.mu.Unlock()
	return supports
}

func (c *Controller) appendMessage(chatID string, st *chatState, msg *model.Message) {
	c.mu.Lock()
	st.messages = append(st.messages, msg)
	c.mu.Unlock()
	c.persistAdd(chatID, msg)
}

func (c *Controller) finalize(msg *model.Message) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	msg.Finalize()
	c.mu.Unlock()
	c.persistUpdate(msg)
}

// Persistence is best-effort mirroring: a missing or failing store never
// interrupts the turn.
func (c *Controller) persistAdd(chatID string, msg *model.Message) {
	if c.store == nil {
		return
	}
	if err := c.store.AddMessage(chatID, msg); err != nil {
		c.events.Append("TURN", "persist_failed", err.Error())
	}
}

func (c *Controller) persistUpdate(msg *model.Message) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateMessage(msg); err != nil {
		c.events.Append("TURN", "persist_failed", err.Error())
	}
}

// resolveServer maps a tool call to the server that owns the tool. Models
// usually emit the namespaced "server.tool" form the manifest advertises;
// plain names fall back to a lookup across the cached tool lists.
func resolveServer(call *model.ToolCall, available []mcp.Tool) string {
	if call.Server != "" {
		return call.Server
	}
	if i := strings.Index(call.Name, "."); i > 0 {
		return call.Name[:i]
	}
	for _, t := range available {
		if t.Name == call.Name {
			return t.Server
		}
	}
	return ""
}

// buildToolManifest renders the synthesized system message enumerating the
// available tools. Models without structured tool support still get the list
// as context but are told invocation is unavailable.
func buildToolManifest(tools []mcp.Tool, structured bool) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools:\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.QualifiedName())
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		if len(t.InputSchema) > 0 {
			if data, err := json.Marshal(t.InputSchema); err == nil {
				b.WriteString(" (arguments: ")
				b.Write(data)
				b.WriteString(")")
			}
		}
		b.WriteString("\n")
	}
	if !structured {
		b.WriteString("This model cannot invoke tools directly; use the list above only as context when answering.\n")
	}
	return b.String()
}

func summarizeResult(result mcp.CallResult) string {
	if result.Error != "" {
		return result.Error
	}
	data, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Sprintf("%v", result.Result)
	}
	const maxSummary = 2000
	s := string(data)
	if len(s) > maxSummary {
		// Cut on a rune boundary so the summary stays valid UTF-8.
		cut := maxSummary
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
