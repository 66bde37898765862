package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"loom/config"
)

// HTTPSSEChannel models a tool server that cannot hold a duplex socket:
// inbound frames arrive on a long-lived Server-Sent-Events stream, outbound
// frames are POSTed to a per-connection session endpoint discovered during
// the SSE handshake. Gateways fronting many backend servers hand out these
// ephemeral session ids; the channel discovers and honors them so callers
// need no gateway-specific knowledge.
type HTTPSSEChannel struct {
	base         *url.URL
	authToken    string
	sessionWait  time.Duration
	reconnectCap time.Duration
	client       *http.Client

	inbound chan json.RawMessage
	done    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	cookies   map[string]*http.Cookie
	preferred string // discovered session endpoint, absolute
	canonical string // /sse?sessionid=<id> fallback, absolute

	sessionReady chan struct{}
	readyOnce    sync.Once

	// streamCtx outlives any dial deadline: cancelling the caller's connect
	// context must not kill an established stream mid-read.
	streamCtx    context.Context
	streamCancel context.CancelFunc

	// sendMu serializes outbound posts so sends queued while the session is
	// still unknown flush in their original order.
	sendMu sync.Mutex
}

var sessionIDPattern = regexp.MustCompile(`(?i)session_?id=([\w.\-]+)`)

// DialHTTPSSE opens the inbound event stream against an http:// or https://
// endpoint. Like the WebSocket dial, the initial handshake is synchronous;
// stream loss afterwards is handled by the reconnect loop.
func DialHTTPSSE(ctx context.Context, endpoint string, opts ChannelOptions) (*HTTPSSEChannel, error) {
	opts = opts.withDefaults()

	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	ch := &HTTPSSEChannel{
		base:         base,
		authToken:    opts.AuthToken,
		sessionWait:  opts.SessionWait,
		reconnectCap: opts.ReconnectCap,
		client: &http.Client{
			// Redirects are followed manually so Location variants and
			// Set-Cookie on intermediate hops are under our control. Dial
			// and header timeouts bound the handshake without putting a
			// deadline on the long-lived stream body.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
		inbound:      make(chan json.RawMessage, 16),
		done:         make(chan struct{}),
		cookies:      make(map[string]*http.Cookie),
		sessionReady: make(chan struct{}),
	}
	ch.streamCtx, ch.streamCancel = context.WithCancel(context.Background())

	// Honor the caller's connect deadline without tying the stream's
	// lifetime to it.
	type dialResult struct {
		resp *http.Response
		err  error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		resp, err := ch.connectStream()
		dialed <- dialResult{resp, err}
	}()

	select {
	case r := <-dialed:
		if r.err != nil {
			ch.streamCancel()
			return nil, fmt.Errorf("sse handshake %s: %w", endpoint, r.err)
		}
		go ch.readLoop(r.resp)
		return ch, nil
	case <-ctx.Done():
		ch.streamCancel()
		return nil, fmt.Errorf("sse handshake %s: %w", endpoint, ctx.Err())
	}
}

// candidateStreamURLs returns the ordered list of paths tried for the
// inbound stream. An endpoint that already names a stream path is tried
// first as-is.
func (ch *HTTPSSEChannel) candidateStreamURLs() []string {
	root := *ch.base
	root.RawQuery = ""
	root.Fragment = ""

	joined := func(p string) string {
		u := root
		u.Path = strings.TrimRight(u.Path, "/") + p
		return u.String()
	}

	base := ch.base.String()
	path := strings.TrimRight(ch.base.Path, "/")
	var candidates []string
	if strings.HasSuffix(path, "/sse") || strings.HasSuffix(path, "/events") || strings.HasSuffix(path, "/stream") {
		candidates = []string{base, joined("/sse"), joined("/events"), joined("/stream")}
	} else {
		candidates = []string{joined("/sse"), joined("/events"), joined("/stream"), base}
	}

	seen := make(map[string]bool, len(candidates))
	var out []string
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// connectStream tries each candidate path with GET then POST until one
// answers 200 with an event-stream content type.
func (ch *HTTPSSEChannel) connectStream() (*http.Response, error) {
	var lastErr error

	for _, candidate := range ch.candidateStreamURLs() {
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			resp, err := ch.doRequest(ch.streamCtx, method, candidate, nil, "text/event-stream")
			if err != nil {
				lastErr = err
				continue
			}

			contentType := resp.Header.Get("Content-Type")
			if resp.StatusCode == http.StatusOK && strings.Contains(contentType, "event-stream") {
				if config.DebugLog != nil {
					config.DebugLog.Printf("[RPC] sse stream open: %s %s", method, candidate)
				}
				return resp, nil
			}

			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = fmt.Errorf("%s %s: status %d, content-type %q", method, candidate, resp.StatusCode, contentType)
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no stream candidates")
	}
	return nil, lastErr
}

// doRequest issues one HTTP request, replaying captured cookies, capturing
// Set-Cookie responses, and manually following 301/302/307/308 redirects in
// absolute, root-relative, and relative Location forms.
func (ch *HTTPSSEChannel) doRequest(ctx context.Context, method, rawurl string, body []byte, accept string) (*http.Response, error) {
	current := rawurl

	for hop := 0; hop < 5; hop++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, current, reader)
		if err != nil {
			return nil, err
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if ch.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+ch.authToken)
		}

		ch.mu.Lock()
		for _, c := range ch.cookies {
			req.AddCookie(c)
		}
		ch.mu.Unlock()

		resp, err := ch.client.Do(req)
		if err != nil {
			return nil, err
		}

		ch.captureCookies(resp)

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			location := resp.Header.Get("Location")
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if location == "" {
				return nil, fmt.Errorf("%s %s: redirect without Location", method, current)
			}
			next, err := resolveLocation(current, location)
			if err != nil {
				return nil, err
			}
			current = next
			continue
		default:
			return resp, nil
		}
	}

	return nil, fmt.Errorf("%s %s: too many redirects", method, rawurl)
}

// resolveLocation handles absolute, root-relative, and relative Location
// headers against the request URL.
func resolveLocation(current, location string) (string, error) {
	cur, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("bad Location %q: %w", location, err)
	}
	return cur.ResolveReference(loc).String(), nil
}

func (ch *HTTPSSEChannel) captureCookies(resp *http.Response) {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}
	ch.mu.Lock()
	for _, c := range cookies {
		ch.cookies[c.Name] = c
	}
	ch.mu.Unlock()
}

func (ch *HTTPSSEChannel) readLoop(resp *http.Response) {
	defer close(ch.inbound)

	for {
		ch.parseStream(resp.Body)
		resp.Body.Close()

		select {
		case <-ch.done:
			return
		default:
		}

		next, ok := ch.reconnectStream()
		if !ok {
			return
		}
		resp = next
	}
}

// parseStream consumes SSE framing until the stream ends: "event:" lines set
// the pending event name, "data:" lines accumulate (multi-line data joined
// with newlines), and a blank line dispatches the accumulated event.
func (ch *HTTPSSEChannel) parseStream(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	eventName := ""
	var dataLines []string

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		// Session ids occasionally arrive outside the endpoint event.
		if sessionIDPattern.MatchString(line) && ch.sessionEndpoint() == "" {
			ch.adoptSession(line)
		}

		switch {
		case line == "":
			ch.dispatch(eventName, strings.Join(dataLines, "\n"))
			eventName = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// comment/keepalive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	// Trailing event without a terminating blank line.
	if len(dataLines) > 0 {
		ch.dispatch(eventName, strings.Join(dataLines, "\n"))
	}
}

func (ch *HTTPSSEChannel) dispatch(eventName, data string) {
	if data == "" {
		return
	}
	if eventName == "endpoint" {
		ch.adoptSession(data)
		return
	}
	// Heartbeat/termination marker, not an error.
	if strings.TrimSpace(data) == "[DONE]" {
		return
	}

	for _, payload := range unwrapPayload([]byte(data)) {
		select {
		case ch.inbound <- payload:
		case <-ch.done:
			return
		}
	}
}

// adoptSession derives the preferred POST endpoint and the canonical
// /sse?sessionid= fallback from an endpoint event payload or any line
// carrying a session id.
func (ch *HTTPSSEChannel) adoptSession(payload string) {
	payload = strings.TrimSpace(payload)

	// Endpoint payloads are either a bare path/URL or a small JSON object.
	target := payload
	if strings.HasPrefix(payload, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err == nil {
			for _, key := range []string{"uri", "url", "endpoint"} {
				if s, ok := obj[key].(string); ok && s != "" {
					target = s
					break
				}
			}
		}
	}

	var preferred string
	if strings.HasPrefix(target, "/") || strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		if resolved, err := resolveLocation(ch.base.String(), target); err == nil {
			preferred = resolved
		}
	}

	var canonical string
	if m := sessionIDPattern.FindStringSubmatch(payload); m != nil {
		root := *ch.base
		root.Path = "/sse"
		root.RawQuery = "sessionid=" + m[1]
		root.Fragment = ""
		canonical = root.String()
	}

	if preferred == "" && canonical == "" {
		return
	}

	ch.mu.Lock()
	if preferred != "" {
		ch.preferred = preferred
	}
	if canonical != "" {
		ch.canonical = canonical
	}
	ch.mu.Unlock()

	if config.DebugLog != nil {
		config.DebugLog.Printf("[RPC] sse session discovered: preferred=%s canonical=%s", preferred, canonical)
	}

	ch.readyOnce.Do(func() { close(ch.sessionReady) })
}

func (ch *HTTPSSEChannel) sessionEndpoint() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.preferred != "" {
		return ch.preferred
	}
	return ch.canonical
}

// postTargets returns the ordered endpoints tried for an outbound send:
// discovered preferred, canonical fallback, then generic fallbacks.
func (ch *HTTPSSEChannel) postTargets() []string {
	root := *ch.base
	root.RawQuery = ""
	root.Fragment = ""

	joined := func(p string) string {
		u := root
		u.Path = strings.TrimRight(u.Path, "/") + p
		return u.String()
	}

	ch.mu.Lock()
	preferred, canonical := ch.preferred, ch.canonical
	ch.mu.Unlock()

	candidates := []string{preferred, canonical, joined("/message"), joined("/rpc"), ch.base.String()}

	seen := make(map[string]bool, len(candidates))
	var out []string
	for _, c := range candidates {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Send POSTs one JSON-RPC frame. Sends are held until the session endpoint
// is known (bounded wait) so session-less POSTs don't get rejected by the
// gateway; the serializing mutex flushes queued sends in order.
func (ch *HTTPSSEChannel) Send(ctx context.Context, payload []byte) error {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	select {
	case <-ch.done:
		return errors.New("channel closed")
	default:
	}

	select {
	case <-ch.sessionReady:
	case <-ctx.Done():
		return ctx.Err()
	case <-ch.done:
		return errors.New("channel closed")
	case <-time.After(ch.sessionWait):
		// No session was ever announced; fall through to generic endpoints.
		if config.DebugLog != nil {
			config.DebugLog.Printf("[RPC] sse %s: no session after %v, trying generic endpoints", ch.base, ch.sessionWait)
		}
	}

	var lastErr error
	for _, target := range ch.postTargets() {
		resp, err := ch.doRequest(ctx, http.MethodPost, target, payload, "application/json, text/event-stream")
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			ch.forwardInlineResponse(resp)
			return nil
		}

		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = fmt.Errorf("POST %s: status %d", target, resp.StatusCode)
	}

	if lastErr == nil {
		lastErr = errors.New("no send targets")
	}
	return lastErr
}

// forwardInlineResponse routes a JSON body returned directly from a POST
// onto the inbound stream. Most gateways answer 202 and reply over SSE, but
// plain JSON-RPC servers respond inline.
func (ch *HTTPSSEChannel) forwardInlineResponse(resp *http.Response) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return
	}

	for _, payload := range unwrapPayload(trimmed) {
		select {
		case ch.inbound <- payload:
		case <-ch.done:
			return
		}
	}
}

// Recv returns the inbound frame stream.
func (ch *HTTPSSEChannel) Recv() <-chan json.RawMessage {
	return ch.inbound
}

// Close tears the channel down and closes the inbound stream.
func (ch *HTTPSSEChannel) Close() error {
	ch.once.Do(func() {
		close(ch.done)
		ch.streamCancel()
	})
	return nil
}

func (ch *HTTPSSEChannel) reconnectStream() (*http.Response, bool) {
	var delay time.Duration

	for {
		delay = nextBackoff(delay, ch.reconnectCap)
		select {
		case <-ch.done:
			return nil, false
		case <-time.After(delay):
		}

		resp, err := ch.connectStream()
		if err == nil {
			if config.DebugLog != nil {
				config.DebugLog.Printf("[RPC] sse %s reconnected", ch.base)
			}
			return resp, true
		}

		if config.DebugLog != nil {
			config.DebugLog.Printf("[RPC] sse %s reconnect failed: %v", ch.base, err)
		}
	}
}
