package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"loom/config"
	"loom/eventlog"
	"loom/mcp"
	"loom/model"
	"loom/provider/testutil"
	"loom/schema"
	"loom/storage"
)

type fakeBackend struct {
	mu       sync.Mutex
	tools    []mcp.Tool
	validate func(server, name string, args map[string]any) []string
	call     func(ctx context.Context, server, name string, args map[string]any) mcp.CallResult
	calls    int
}

func (b *fakeBackend) ListTools(server string) []mcp.Tool { return b.tools }

func (b *fakeBackend) ValidateToolArguments(server, name string, args map[string]any) []string {
	if b.validate != nil {
		return b.validate(server, name, args)
	}
	return nil
}

func (b *fakeBackend) Call(ctx context.Context, server, name string, args map[string]any, timeout time.Duration) mcp.CallResult {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.call != nil {
		return b.call(ctx, server, name, args)
	}
	return mcp.CallResult{Result: "ok"}
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func echoBackend() *fakeBackend {
	echoSchema := map[string]any{
		"type":                 "object",
		"required":             []any{"text"},
		"properties":           map[string]any{"text": map[string]any{"type": "string"}},
		"additionalProperties": false,
	}
	return &fakeBackend{
		tools: []mcp.Tool{{
			Server:      "local",
			Name:        "echo",
			Description: "Echo text back",
			InputSchema: echoSchema,
		}},
		validate: func(server, name string, args map[string]any) []string {
			return schema.Validate(schema.Normalize(echoSchema), args, "args")
		},
		call: func(ctx context.Context, server, name string, args map[string]any) mcp.CallResult {
			return mcp.CallResult{Result: map[string]any{"text": args["text"]}}
		},
	}
}

func testCfg() config.ToolsConfig {
	return config.ToolsConfig{MaxCallsPerTurn: 5, CallTimeoutSecs: 5}
}

func echoCall(text string) []model.ToolCall {
	return []model.ToolCall{{Name: "local.echo", Arguments: map[string]any{"text": text}}}
}

func TestRoundTripScenario(t *testing.T) {
	backend := echoBackend()
	mock := testutil.NewMockProvider("mock-model")
	mock.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcp.Tool, cb model.StreamCallback) error {
		switch mock.Calls {
		case 1:
			return cb("", echoCall("first"))
		case 2:
			return cb("", echoCall("second"))
		default:
			if err := cb("Final response: ", nil); err != nil {
				return err
			}
			return cb("second", nil)
		}
	}

	store, err := storage.NewMessageStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewMessageStorage: %v", err)
	}
	defer store.Close()

	ctrl := NewController(mock, backend, store, testCfg(), eventlog.New(64))

	// Each tool call must only start once every previous call has settled.
	var sequential = true
	backend.call = func(ctx context.Context, server, name string, args map[string]any) mcp.CallResult {
		for _, m := range ctrl.Messages("chat") {
			if m.Role == model.RoleTool && m.ToolResult == nil && m.ToolCall.Arguments["text"] != args["text"] {
				sequential = false
			}
		}
		return mcp.CallResult{Result: map[string]any{"text": args["text"]}}
	}

	if err := ctrl.SendPrompt(context.Background(), "chat", "Trigger multi-tool call"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if mock.Calls != 3 {
		t.Fatalf("expected exactly 3 model invocations, got %d", mock.Calls)
	}
	if !sequential {
		t.Fatal("a tool call started before the previous result settled")
	}

	msgs := ctrl.Messages("chat")
	wantRoles := []string{
		model.RoleUser,
		model.RoleAssistant, model.RoleTool,
		model.RoleAssistant, model.RoleTool,
		model.RoleAssistant,
	}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d: %+v", len(wantRoles), len(msgs), msgs)
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Fatalf("message %d: expected role %s, got %s", i, role, msgs[i].Role)
		}
	}
	if msgs[1].ToolCall == nil || msgs[1].ToolCall.Arguments["text"] != "first" {
		t.Fatalf("unexpected first tool call: %+v", msgs[1].ToolCall)
	}
	if msgs[2].ToolResult == nil || msgs[2].ToolResult.Result.(map[string]any)["text"] != "first" {
		t.Fatalf("unexpected first tool result: %+v", msgs[2].ToolResult)
	}
	if msgs[4].ToolResult == nil || msgs[4].ToolResult.Result.(map[string]any)["text"] != "second" {
		t.Fatalf("unexpected second tool result: %+v", msgs[4].ToolResult)
	}
	if msgs[5].Content != "Final response: second" {
		t.Fatalf("unexpected final answer: %q", msgs[5].Content)
	}

	// The store mirrors the transcript.
	stored, err := store.GetMessages("chat")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(stored) != len(msgs) {
		t.Fatalf("store holds %d messages, transcript has %d", len(stored), len(msgs))
	}
}

func TestBoundedToolLoop(t *testing.T) {
	backend := echoBackend()
	mock := testutil.NewMockProvider("mock-model")
	mock.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcp.Tool, cb model.StreamCallback) error {
		return cb("", echoCall("again"))
	}
	ctrl := NewController(mock, backend, nil, testCfg(), nil)

	if err := ctrl.SendPrompt(context.Background(), "chat", "loop forever"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if backend.callCount() != 5 {
		t.Fatalf("expected exactly 5 tool calls, got %d", backend.callCount())
	}
	if mock.Calls != 5 {
		t.Fatalf("expected exactly 5 generations, got %d", mock.Calls)
	}

	msgs := ctrl.Messages("chat")
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleAssistant || !strings.Contains(last.Content, "5 tool calls") {
		t.Fatalf("expected synthesized limit message, got %+v", last)
	}
}

func TestValidationShortCircuitsExecution(t *testing.T) {
	backend := echoBackend()
	mock := testutil.NewMockProvider("mock-model")
	mock.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcp.Tool, cb model.StreamCallback) error {
		if mock.Calls == 1 {
			return cb("", []model.ToolCall{{Name: "local.echo", Arguments: map[string]any{"wrong": 1}}})
		}
		return cb("done", nil)
	}
	ctrl := NewController(mock, backend, nil, testCfg(), nil)

	if err := ctrl.SendPrompt(context.Background(), "chat", "bad args"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if backend.callCount() != 0 {
		t.Fatalf("remote call made despite validation failure: %d", backend.callCount())
	}

	msgs := ctrl.Messages("chat")
	var toolMsg *model.Message
	for i := range msgs {
		if msgs[i].Role == model.RoleTool {
			toolMsg = &msgs[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolResult == nil {
		t.Fatal("tool message not settled")
	}
	if !strings.Contains(toolMsg.ToolResult.Error, "Invalid arguments") {
		t.Fatalf("expected invalid-arguments error, got %q", toolMsg.ToolResult.Error)
	}
	if !strings.Contains(toolMsg.ToolResult.Error, "text") {
		t.Fatalf("expected the missing property to be named, got %q", toolMsg.ToolResult.Error)
	}
}

func TestCancelDuringToolExecution(t *testing.T) {
	backend := echoBackend()
	entered := make(chan struct{})
	release := make(chan struct{})
	backend.call = func(ctx context.Context, server, name string, args map[string]any) mcp.CallResult {
		close(entered)
		<-release
		return mcp.CallResult{Result: "too late"}
	}

	mock := testutil.NewMockProvider("mock-model")
	mock.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcp.Tool, cb model.StreamCallback) error {
		return cb("", echoCall("x"))
	}
	ctrl := NewController(mock, backend, nil, testCfg(), nil)

	done := make(chan error, 1)
	go func() {
		done <- ctrl.SendPrompt(context.Background(), "chat", "cancel me")
	}()

	<-entered
	ctrl.Cancel("chat")
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendPrompt: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not end after cancellation")
	}

	msgs := ctrl.Messages("chat")
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleTool || last.ToolResult == nil {
		t.Fatalf("expected settled tool message, got %+v", last)
	}
	if last.ToolResult.Error != "Cancelled" {
		t.Fatalf("expected Cancelled sentinel, got %q", last.ToolResult.Error)
	}
	if last.ToolResult.Result != nil {
		t.Fatalf("cancelled call must not carry a result, got %v", last.ToolResult.Result)
	}
	if mock.Calls != 1 {
		t.Fatalf("expected no further generation after cancellation, got %d", mock.Calls)
	}

	// Cancelling after the turn settled is a no-op.
	ctrl.Cancel("chat")
	after := ctrl.Messages("chat")
	if len(after) != len(msgs) || after[len(after)-1].ToolResult.Error != "Cancelled" {
		t.Fatal("late cancel mutated the transcript")
	}
}

func TestCancelDuringStreaming(t *testing.T) {
	backend := echoBackend()
	mock := testutil.NewMockProvider("mock-model")
	var ctrl *Controller
	mock.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcp.Tool, cb model.StreamCallback) error {
		if err := cb("Partial ", nil); err != nil {
			return err
		}
		ctrl.Cancel("chat")
		return cb("never seen", nil)
	}
	ctrl = NewController(mock, backend, nil, testCfg(), nil)

	if err := ctrl.SendPrompt(context.Background(), "chat", "stop midway"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if mock.Calls != 1 {
		t.Fatalf("expected a single generation, got %d", mock.Calls)
	}

	msgs := ctrl.Messages("chat")
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleAssistant || last.Content != "Partial " {
		t.Fatalf("expected partial assistant content preserved, got %+v", last)
	}
}

func TestServerErrorScenario(t *testing.T) {
	backend := echoBackend()
	backend.call = func(ctx context.Context, server, name string, args map[string]any) mcp.CallResult {
		return mcp.CallResult{Error: "Server error: boom"}
	}
	mock := testutil.NewMockProvider("mock-model")
	mock.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcp.Tool, cb model.StreamCallback) error {
		if mock.Calls == 1 {
			return cb("", echoCall("x"))
		}
		return cb("The tool failed.", nil)
	}
	ctrl := NewController(mock, backend, nil, testCfg(), nil)

	if err := ctrl.SendPrompt(context.Background(), "chat", "try it"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	msgs := ctrl.Messages("chat")
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	toolMsg := msgs[2]
	if toolMsg.ToolResult == nil || !strings.Contains(toolMsg.ToolResult.Error, "Server error") {
		t.Fatalf("expected server error on tool result, got %+v", toolMsg.ToolResult)
	}
	final := msgs[3]
	if final.Role != model.RoleAssistant || final.Content != "The tool failed." {
		t.Fatalf("expected final assistant message after tool failure, got %+v", final)
	}
}

func TestStreamErrorRecordsChatError(t *testing.T) {
	backend := echoBackend()
	mock := testutil.NewMockProvider("mock-model")
	mock.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcp.Tool, cb model.StreamCallback) error {
		return errors.New("network down")
	}
	ctrl := NewController(mock, backend, nil, testCfg(), nil)

	if err := ctrl.SendPrompt(context.Background(), "chat", "hello"); err == nil {
		t.Fatal("expected error from failed generation")
	}
	if got := ctrl.LastError("chat"); !strings.Contains(got, "network down") {
		t.Fatalf("unexpected chat error: %q", got)
	}
	ctrl.ClearError("chat")
	if got := ctrl.LastError("chat"); got != "" {
		t.Fatalf("error not cleared: %q", got)
	}
	// The failure stays out of the transcript.
	for _, m := range ctrl.Messages("chat") {
		if strings.Contains(m.Content, "network down") {
			t.Fatalf("error leaked into transcript: %+v", m)
		}
	}
}

func TestCapabilityCache(t *testing.T) {
	backend := echoBackend()
	mock := testutil.NewMockProvider("mock-model")
	lookups := 0
	mock.SupportsToolsFunc = func(string) bool {
		lookups++
		return true
	}
	ctrl := NewController(mock, backend, nil, testCfg(), nil)

	for i := 0; i < 3; i++ {
		if err := ctrl.SendPrompt(context.Background(), "chat", "hi"); err != nil {
			t.Fatalf("SendPrompt: %v", err)
		}
	}
	if lookups != 1 {
		t.Fatalf("expected a single capability lookup, got %d", lookups)
	}

	ctrl.InvalidateCapabilityCache()
	if err := ctrl.SendPrompt(context.Background(), "chat", "hi again"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if lookups != 2 {
		t.Fatalf("expected a fresh lookup after invalidation, got %d", lookups)
	}
}

func TestNonStructuredModelGetsManifestOnly(t *testing.T) {
	backend := echoBackend()
	mock := testutil.NewMockProvider("plain-model")
	mock.SupportsToolsFunc = func(string) bool { return false }

	var sawSystem string
	mock.ChatFunc = func(ctx context.Context, messages []model.Message, cb model.StreamCallback) error {
		if len(messages) > 0 && messages[0].Role == model.RoleSystem {
			sawSystem = messages[0].Content
		}
		return cb("plain answer", nil)
	}
	ctrl := NewController(mock, backend, nil, testCfg(), nil)

	if err := ctrl.SendPrompt(context.Background(), "chat", "hi"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if mock.Calls != 0 {
		t.Fatalf("structured tool path used for a non-structured model: %d", mock.Calls)
	}
	if !strings.Contains(sawSystem, "local.echo") {
		t.Fatalf("tool manifest missing from system message: %q", sawSystem)
	}
	if !strings.Contains(sawSystem, "cannot invoke tools") {
		t.Fatalf("expected invocation disclaimer, got %q", sawSystem)
	}
}

func TestConcurrentTurnRejected(t *testing.T) {
	backend := echoBackend()
	started := make(chan struct{})
	release := make(chan struct{})
	mock := testutil.NewMockProvider("mock-model")
	mock.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcp.Tool, cb model.StreamCallback) error {
		close(started)
		<-release
		return cb("done", nil)
	}
	ctrl := NewController(mock, backend, nil, testCfg(), nil)

	done := make(chan error, 1)
	go func() {
		done <- ctrl.SendPrompt(context.Background(), "chat", "first")
	}()
	<-started

	if err := ctrl.SendPrompt(context.Background(), "chat", "second"); err == nil {
		t.Fatal("expected second concurrent turn to be rejected")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
}

func TestSummarizeResultTruncatesOnRuneBoundary(t *testing.T) {
	// 1500 two-byte runes encode to 3002 JSON bytes, so the truncation point
	// lands inside a rune.
	long := strings.Repeat("é", 1500)
	got := summarizeResult(mcp.CallResult{Result: long})

	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncated summary, got %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncated summary is not valid UTF-8")
	}
	if len(got) > 2003 {
		t.Fatalf("summary exceeds the cap: %d bytes", len(got))
	}

	short := summarizeResult(mcp.CallResult{Result: "ok"})
	if short != `"ok"` {
		t.Fatalf("short result altered: %q", short)
	}
}

func TestTurnsAreIsolatedPerChat(t *testing.T) {
	backend := echoBackend()
	mock := testutil.NewMockProvider("mock-model")
	mock.ChatWithToolsFunc = func(ctx context.Context, messages []model.Message, tools []mcp.Tool, cb model.StreamCallback) error {
		return cb("answer", nil)
	}
	ctrl := NewController(mock, backend, nil, testCfg(), nil)

	if err := ctrl.SendPrompt(context.Background(), "chat-a", "question a"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if err := ctrl.SendPrompt(context.Background(), "chat-b", "question b"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	a := ctrl.Messages("chat-a")
	b := ctrl.Messages("chat-b")
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("expected 2 messages per chat, got %d and %d", len(a), len(b))
	}
	if a[0].Content != "question a" || b[0].Content != "question b" {
		t.Fatal("transcripts bled across chats")
	}
}
