package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"loom/config"
)

// WebSocketChannel is a single full-duplex connection carrying JSON-RPC text
// frames. It reconnects with exponential backoff when the read side fails.
type WebSocketChannel struct {
	endpoint     string
	authToken    string
	reconnectCap time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	inbound chan json.RawMessage
	done    chan struct{}
	once    sync.Once
}

// DialWebSocket connects to a ws:// or wss:// endpoint. The initial dial is
// synchronous so callers learn immediately about unreachable servers; later
// failures are handled by the internal reconnect loop.
func DialWebSocket(ctx context.Context, endpoint string, opts ChannelOptions) (*WebSocketChannel, error) {
	opts = opts.withDefaults()

	ch := &WebSocketChannel{
		endpoint:     endpoint,
		authToken:    opts.AuthToken,
		reconnectCap: opts.ReconnectCap,
		inbound:      make(chan json.RawMessage, 16),
		done:         make(chan struct{}),
	}

	conn, err := ch.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}
	ch.setConn(conn)

	go ch.readLoop(conn)

	return ch, nil
}

func (ch *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if ch.authToken != "" {
		header.Set("Authorization", "Bearer "+ch.authToken)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, ch.endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (ch *WebSocketChannel) setConn(conn *websocket.Conn) {
	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()
}

// Send writes one JSON-RPC text frame.
func (ch *WebSocketChannel) Send(ctx context.Context, payload []byte) error {
	select {
	case <-ch.done:
		return errors.New("channel closed")
	default:
	}

	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		return errors.New("websocket not connected")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Recv returns the inbound frame stream.
func (ch *WebSocketChannel) Recv() <-chan json.RawMessage {
	return ch.inbound
}

// ForceReconnect tears down the current connection so the read loop
// re-establishes it. Used when the heartbeat decides the peer is gone.
func (ch *WebSocketChannel) ForceReconnect() {
	ch.mu.Lock()
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close tears the channel down and closes the inbound stream.
func (ch *WebSocketChannel) Close() error {
	ch.once.Do(func() {
		close(ch.done)
		ch.mu.Lock()
		conn := ch.conn
		ch.conn = nil
		ch.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

func (ch *WebSocketChannel) readLoop(conn *websocket.Conn) {
	defer close(ch.inbound)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			select {
			case <-ch.done:
				return
			default:
			}

			if config.DebugLog != nil {
				config.DebugLog.Printf("[RPC] websocket %s read failed: %v, reconnecting", ch.endpoint, err)
			}

			next, ok := ch.reconnect()
			if !ok {
				return
			}
			conn = next
			continue
		}

		select {
		case ch.inbound <- json.RawMessage(payload):
		case <-ch.done:
			return
		}
	}
}

// reconnect redials with exponential backoff until success or Close. The
// backoff resets every time this method is entered, i.e. after a connection
// that worked.
func (ch *WebSocketChannel) reconnect() (*websocket.Conn, bool) {
	var delay time.Duration

	for {
		delay = nextBackoff(delay, ch.reconnectCap)
		select {
		case <-ch.done:
			return nil, false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := ch.dial(ctx)
		cancel()
		if err == nil {
			ch.setConn(conn)
			if config.DebugLog != nil {
				config.DebugLog.Printf("[RPC] websocket %s reconnected", ch.endpoint)
			}
			return conn, true
		}

		if config.DebugLog != nil {
			config.DebugLog.Printf("[RPC] websocket %s reconnect failed: %v (next attempt in %v)", ch.endpoint, err, nextBackoff(delay, ch.reconnectCap))
		}
	}
}
