package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/config"
)

// ErrDisconnected is the failure delivered to every pending request when the
// owning channel goes away.
var ErrDisconnected = errors.New("disconnected")

// NotificationHandler receives server-initiated notifications (requests
// without an id).
type NotificationHandler func(method string, params json.RawMessage)

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Peer frames JSON-RPC 2.0 requests, responses, and notifications over a
// Channel, matching responses to pending requests by id.
type Peer struct {
	ch Channel

	mu      sync.Mutex
	pending map[string]chan pendingResult
	closed  bool

	onNotify NotificationHandler

	done     chan struct{}
	once     sync.Once
	hbCancel context.CancelFunc
}

// NewPeer wraps a channel and starts routing its inbound frames. The
// notification handler may be nil.
func NewPeer(ch Channel, onNotify NotificationHandler) *Peer {
	p := &Peer{
		ch:       ch,
		pending:  make(map[string]chan pendingResult),
		onNotify: onNotify,
		done:     make(chan struct{}),
	}

	go p.readLoop()

	return p
}

// Call issues a request and waits for the matching response. JSON-RPC error
// objects come back as *RPCError.
func (p *Peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()

	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrDisconnected
	}
	p.pending[id] = ch
	p.mu.Unlock()

	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		p.forget(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	if err := p.ch.Send(ctx, payload); err != nil {
		p.forget(id)
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrDisconnected
	}
}

// Notify sends a fire-and-forget notification (no id, no response awaited).
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	payload, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	return p.ch.Send(ctx, payload)
}

func (p *Peer) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Close stops the heartbeat, closes the channel, and fails every pending
// request with ErrDisconnected.
func (p *Peer) Close() error {
	p.once.Do(func() {
		if p.hbCancel != nil {
			p.hbCancel()
		}
		close(p.done)
		p.ch.Close()
		p.failAllPending()
	})
	return nil
}

func (p *Peer) failAllPending() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for id, ch := range p.pending {
		ch <- pendingResult{err: ErrDisconnected}
		delete(p.pending, id)
	}
}

func (p *Peer) readLoop() {
	for raw := range p.ch.Recv() {
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			if config.DebugLog != nil {
				config.DebugLog.Printf("[RPC] dropping unparseable frame: %v", err)
			}
			continue
		}

		// Notification: method without id.
		if f.Method != "" && len(f.ID) == 0 {
			if p.onNotify != nil {
				p.onNotify(f.Method, f.Params)
			}
			continue
		}

		// Server-to-client request; unsupported, but don't confuse it with a
		// response to one of ours.
		if f.Method != "" {
			continue
		}

		key := idKey(f.ID)
		p.mu.Lock()
		ch, ok := p.pending[key]
		delete(p.pending, key)
		p.mu.Unlock()
		if !ok {
			continue
		}

		if f.Error != nil {
			ch <- pendingResult{err: f.Error}
		} else {
			ch <- pendingResult{result: f.Result}
		}
	}

	// Channel closed underneath us.
	p.failAllPending()
}

// StartHeartbeat issues a best-effort $/ping on the given interval. Only the
// WebSocket transport needs this; the SSE stream is its own liveness signal.
// A "method not found" reply counts as alive because not every server
// implements ping. Anything else forces the channel to reconnect.
func (p *Peer) StartHeartbeat(interval, timeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	p.hbCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
			}

			callCtx, callCancel := context.WithTimeout(ctx, timeout)
			_, err := p.Call(callCtx, "$/ping", struct{}{})
			callCancel()

			if err == nil {
				continue
			}
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound {
				continue
			}
			if errors.Is(err, ErrDisconnected) {
				return
			}

			if config.DebugLog != nil {
				config.DebugLog.Printf("[RPC] heartbeat failed: %v, forcing reconnect", err)
			}
			if r, ok := p.ch.(reconnector); ok {
				r.ForceReconnect()
			}
		}
	}()
}
