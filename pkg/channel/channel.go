// Package channel implements the client side of the signaling protocol: a
// persistent websocket carrying fire-and-forget events in both directions
// plus correlated request/response pairs initiated by the client.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stagecast/internal/core/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message mirrors the server's wire envelope.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorBody) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Handler receives a server-initiated event's payload.
type Handler func(payload json.RawMessage)

// Options tune the channel.
type Options struct {
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout:   15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

type pendingRequest struct {
	done    chan struct{}
	payload json.RawMessage
	err     error
}

// Channel is a connected signaling channel. Safe for concurrent use.
type Channel struct {
	conn *websocket.Conn
	opts Options

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	handlers map[string][]Handler
	closed   bool
	closeErr error

	done chan struct{}

	logger *zap.SugaredLogger
}

// Connect dials the signaling endpoint and starts the read loop.
func Connect(ctx context.Context, url string, opts Options, logger *zap.SugaredLogger) (*Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrNotConnected, url, err)
	}

	ch := &Channel{
		conn:     conn,
		opts:     opts,
		pending:  make(map[string]*pendingRequest),
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go ch.readLoop()
	return ch, nil
}

// On registers a handler for a server-initiated event. Handlers for the same
// event run in registration order, on the read loop goroutine, so each
// handler observes events in the order the server emitted them.
func (c *Channel) On(event string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// Emit sends a fire-and-forget event.
func (c *Channel) Emit(event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(Message{Event: event, Payload: raw})
}

// Request sends an event and blocks until the correlated response arrives,
// the context is cancelled, the per-request timeout elapses, or the channel
// closes.
func (c *Channel) Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	req := &pendingRequest{done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeError()
	}
	c.pending[id] = req
	c.mu.Unlock()

	if err := c.write(Message{ID: id, Event: event, Payload: raw}); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case <-req.done:
		return req.payload, req.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("%w: %s", domain.ErrRequestTimeout, event)
	}
}

// RequestInto is Request plus unmarshalling of the response payload.
func (c *Channel) RequestInto(ctx context.Context, event string, payload, out interface{}) error {
	raw, err := c.Request(ctx, event, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Close shuts the channel down and fails every outstanding request with a
// cancellation error. Idempotent.
func (c *Channel) Close() error {
	return c.closeWith(domain.ErrChannelClosed)
}

// Done is closed once the channel has shut down, whether locally or because
// the server went away.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) closeWith(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, req := range pending {
		req.err = cause
		close(req.done)
	}

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	close(c.done)
	return err
}

func (c *Channel) closeError() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return domain.ErrChannelClosed
}

func (c *Channel) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) write(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return c.closeError()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *Channel) readLoop() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.closeWith(fmt.Errorf("%w: %v", domain.ErrChannelClosed, err))
			return
		}

		if msg.ID != "" {
			c.resolve(msg)
			continue
		}
		c.deliver(msg)
	}
}

func (c *Channel) resolve(msg Message) {
	c.mu.Lock()
	req, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Late response after timeout; the result is discarded.
		if c.logger != nil {
			c.logger.Debugw("discarding unmatched response", "id", msg.ID, "event", msg.Event)
		}
		return
	}

	if msg.Error != nil {
		req.err = msg.Error
	} else {
		req.payload = msg.Payload
	}
	close(req.done)
}

func (c *Channel) deliver(msg Message) {
	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers[msg.Event]))
	copy(handlers, c.handlers[msg.Event])
	c.mu.Unlock()

	if len(handlers) == 0 {
		if c.logger != nil {
			c.logger.Debugw("unhandled event", "event", msg.Event)
		}
		return
	}
	for _, handler := range handlers {
		handler(msg.Payload)
	}
}
