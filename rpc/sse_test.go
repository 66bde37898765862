package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// sseTestServer is a minimal SSE-fronted JSON-RPC gateway: the stream hands
// out a session endpoint, POSTs against that endpoint are answered over the
// stream.
type sseTestServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	posts    []postRecord
	streamCh chan string // lines pushed to the SSE stream

	sessionID    string
	endpointWait time.Duration // delay before the endpoint event is sent
}

type postRecord struct {
	path    string
	query   string
	body    string
	at      time.Time
	cookies []*http.Cookie
}

func newSSETestServer(t *testing.T, endpointWait time.Duration) *sseTestServer {
	t.Helper()

	s := &sseTestServer{
		streamCh:     make(chan string, 32),
		sessionID:    "sess-123",
		endpointWait: endpointWait,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleStream)
	mux.HandleFunc("/message", s.handlePost)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	return s
}

func (s *sseTestServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.endpointWait > 0 {
		time.Sleep(s.endpointWait)
	}

	fmt.Fprintf(w, "event: endpoint\ndata: /message?sessionId=%s\n\n", s.sessionID)
	flusher.Flush()

	for {
		select {
		case line := <-s.streamCh:
			fmt.Fprint(w, line)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *sseTestServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body := make([]byte, 0, 1024)
	buf := make([]byte, 1024)
	for {
		n, err := r.Body.Read(buf)
		body = append(body, buf[:n]...)
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	s.posts = append(s.posts, postRecord{
		path:    r.URL.Path,
		query:   r.URL.RawQuery,
		body:    string(body),
		at:      time.Now(),
		cookies: r.Cookies(),
	})
	s.mu.Unlock()

	if r.URL.Query().Get("sessionId") != s.sessionID {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Answer over the stream like a real gateway.
	var req struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err == nil && req.ID != "" {
		s.streamCh <- fmt.Sprintf("data: {\"jsonrpc\":\"2.0\",\"id\":%q,\"result\":{\"echoed\":%q}}\n\n", req.ID, req.Method)
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *sseTestServer) recordedPosts() []postRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]postRecord, len(s.posts))
	copy(out, s.posts)
	return out
}

func TestSSESessionGatedSends(t *testing.T) {
	server := newSSETestServer(t, 300*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := DialHTTPSSE(ctx, server.srv.URL+"/sse", ChannelOptions{SessionWait: 5 * time.Second})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ch.Close()

	dialDone := time.Now()

	// Two sends issued while the session is still unknown must be held and
	// flush in order once the endpoint event arrives.
	for i := 0; i < 2; i++ {
		payload := fmt.Sprintf(`{"jsonrpc":"2.0","id":"id-%d","method":"m%d"}`, i, i)
		if err := ch.Send(ctx, []byte(payload)); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	posts := server.recordedPosts()
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(posts))
	}
	for i, p := range posts {
		if p.at.Sub(dialDone) < 250*time.Millisecond {
			t.Errorf("post %d dispatched before session discovery", i)
		}
		if !strings.Contains(p.query, "sessionId=sess-123") {
			t.Errorf("post %d missing session id: %q", i, p.query)
		}
		if !strings.Contains(p.body, fmt.Sprintf(`"id-%d"`, i)) {
			t.Errorf("posts out of order: post %d body %s", i, p.body)
		}
	}
}

func TestSSEResponsesArriveOverStream(t *testing.T) {
	server := newSSETestServer(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := DialHTTPSSE(ctx, server.srv.URL+"/sse", ChannelOptions{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ch.Close()

	peer := NewPeer(ch, nil)
	defer peer.Close()

	result, err := peer.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !strings.Contains(string(result), `"echoed":"tools/list"`) {
		t.Errorf("unexpected result: %s", result)
	}
}

func TestSSEHeartbeatMarkerDiscarded(t *testing.T) {
	server := newSSETestServer(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := DialHTTPSSE(ctx, server.srv.URL+"/sse", ChannelOptions{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ch.Close()

	server.streamCh <- "data: [DONE]\n\n"
	server.streamCh <- "data: {\"data\":{\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}}\n\n"

	select {
	case raw := <-ch.Recv():
		if !strings.Contains(string(raw), "list_changed") {
			t.Errorf("expected unwrapped notification, got %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	select {
	case raw := <-ch.Recv():
		t.Errorf("unexpected extra frame (heartbeat leaked?): %s", raw)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSSEStreamPathFallback(t *testing.T) {
	// Stream served only at /events; /sse 404s. The candidate list must
	// find it.
	streamReady := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /message?sessionId=x\n\n")
		flusher.Flush()
		close(streamReady)
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := DialHTTPSSE(ctx, srv.URL, ChannelOptions{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ch.Close()

	select {
	case <-streamReady:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never connected")
	}
}

func TestSSERedirectAndCookieReplay(t *testing.T) {
	var mu sync.Mutex
	var sawCookie bool

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		http.SetCookie(w, &http.Cookie{Name: "affinity", Value: "node-7"})
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /message?sessionId=y\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		// Root-relative redirect; the channel must follow it and re-POST.
		w.Header().Set("Location", "/v2/message?sessionId=y")
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/v2/message", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		for _, c := range r.Cookies() {
			if c.Name == "affinity" && c.Value == "node-7" {
				sawCookie = true
			}
		}
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := DialHTTPSSE(ctx, srv.URL+"/sse", ChannelOptions{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(ctx, []byte(`{"jsonrpc":"2.0","id":"1","method":"x"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sawCookie {
		t.Error("affinity cookie from the SSE handshake was not replayed on the redirected POST")
	}
}

func TestSSEInlineResponseForwarded(t *testing.T) {
	// A plain JSON-RPC server with no stream-side responses: POST replies
	// inline and the channel must forward the body to Recv.
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /message?sessionId=z\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"inline":true}}`, req.ID)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := DialHTTPSSE(ctx, srv.URL+"/sse", ChannelOptions{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ch.Close()

	peer := NewPeer(ch, nil)
	defer peer.Close()

	result, err := peer.Call(ctx, "anything", nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !strings.Contains(string(result), `"inline":true`) {
		t.Errorf("unexpected result: %s", result)
	}
}
