package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Channel is a bidirectional message conduit to one remote tool server. The
// inbound channel stays open across reconnects and closes only when the
// Channel itself is closed.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Recv() <-chan json.RawMessage
	Close() error
}

// reconnector is implemented by channels whose connection can be forced down
// so that the internal reconnect loop re-establishes it. The peer heartbeat
// uses this on ping failure.
type reconnector interface {
	ForceReconnect()
}

// ChannelOptions carries transport tuning shared by both channel kinds.
type ChannelOptions struct {
	AuthToken    string
	SessionWait  time.Duration // HTTP/SSE only: bound on waiting for session discovery
	ReconnectCap time.Duration // backoff ceiling
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.SessionWait <= 0 {
		o.SessionWait = 12 * time.Second
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 30 * time.Second
	}
	return o
}

// Dial opens the channel implementation matching the endpoint's URL scheme:
// ws/wss select the WebSocket channel, http/https the HTTP+SSE channel.
func Dial(ctx context.Context, endpoint string, opts ChannelOptions) (Channel, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return DialWebSocket(ctx, endpoint, opts)
	case "http", "https":
		return DialHTTPSSE(ctx, endpoint, opts)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

const initialBackoff = time.Second

// nextBackoff doubles the delay up to cap. A zero delay starts the sequence.
func nextBackoff(current, cap time.Duration) time.Duration {
	if current <= 0 {
		return initialBackoff
	}
	next := current * 2
	if next > cap {
		return cap
	}
	return next
}
