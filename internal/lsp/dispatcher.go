package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// NotificationHandler handles a server-originated notification.
type NotificationHandler func(method string, params json.RawMessage)

// request is an outbound JSON-RPC request or notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an inbound JSON-RPC response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// outcome resolves exactly one pending request.
type outcome struct {
	resp *response
	err  error
}

// Dispatcher correlates outbound requests with inbound responses over a
// Framer. Every request gets a fresh correlation id scoped to this
// connection; responses resolve the matching pending request exactly once.
// Unsolicited notifications are delivered to subscribers.
type Dispatcher struct {
	framer *Framer

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan outcome
	handlers map[string][]NotificationHandler

	closed atomic.Bool
	done   chan struct{}
}

// NewDispatcher creates a dispatcher over the given framer.
func NewDispatcher(f *Framer) *Dispatcher {
	return &Dispatcher{
		framer:   f,
		pending:  make(map[int64]chan outcome),
		handlers: make(map[string][]NotificationHandler),
		done:     make(chan struct{}),
	}
}

// Run consumes framed messages until the stream fails or the dispatcher is
// closed. It is the connection's single reader and should run in its own
// goroutine. On return, every pending request has been failed with the
// terminal error.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.FailAll(ctx.Err())
			return ctx.Err()
		case <-d.done:
			return ErrShutdown
		default:
		}

		msg, err := d.framer.ReadMessage()
		if err != nil {
			if d.closed.Load() {
				return ErrShutdown
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				d.FailAll(ErrProcessExit)
				return err
			}
			// Malformed stream: the connection is unusable.
			d.FailAll(err)
			return err
		}

		d.dispatch(msg)
	}
}

// Call sends a request and blocks until a response arrives, the context
// expires, or the connection dies. A deadline expiry maps to ErrTimeout;
// the in-flight request is not retracted from the server, and a late
// response for it is silently discarded.
func (d *Dispatcher) Call(ctx context.Context, method string, params any, result any) error {
	if d.closed.Load() {
		return ErrShutdown
	}

	id := d.nextID.Add(1)
	ch := make(chan outcome, 1)

	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	req := &request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := d.framer.WriteMessage(body); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return ctx.Err()
	case <-d.done:
		// FailAll may have resolved this request just before shutdown;
		// its recorded outcome wins over the generic shutdown error.
		select {
		case out := <-ch:
			return unpackOutcome(method, out, result)
		default:
		}
		return ErrShutdown
	case out := <-ch:
		return unpackOutcome(method, out, result)
	}
}

// unpackOutcome turns a resolved outcome into the caller's error and
// decoded result.
func unpackOutcome(method string, out outcome, result any) error {
	if out.err != nil {
		return out.err
	}
	if out.resp.Error != nil {
		return out.resp.Error
	}
	if result != nil && len(out.resp.Result) > 0 {
		if err := json.Unmarshal(out.resp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// Notify sends a notification. No correlation id, no response.
func (d *Dispatcher) Notify(method string, params any) error {
	if d.closed.Load() {
		return ErrShutdown
	}

	req := &request{JSONRPC: "2.0", Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return d.framer.WriteMessage(body)
}

// Subscribe registers a handler for a server-originated notification
// method. "*" matches methods with no dedicated handler.
func (d *Dispatcher) Subscribe(method string, handler NotificationHandler) {
	d.mu.Lock()
	d.handlers[method] = append(d.handlers[method], handler)
	d.mu.Unlock()
}

// FailAll resolves every pending request with err, in correlation-id
// order, each exactly once.
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	chans := make([]chan outcome, 0, len(ids))
	for _, id := range ids {
		chans = append(chans, d.pending[id])
		delete(d.pending, id)
	}
	d.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- outcome{err: err}:
		default:
		}
	}
}

// Close shuts the dispatcher down and fails all pending requests.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	close(d.done)
	d.FailAll(ErrShutdown)
}

// IsClosed reports whether Close has been called.
func (d *Dispatcher) IsClosed() bool {
	return d.closed.Load()
}

// dispatch classifies one inbound message and routes it. The probe avoids
// a full decode of bodies we may not care about.
func (d *Dispatcher) dispatch(data json.RawMessage) {
	id := gjson.GetBytes(data, "id")
	method := gjson.GetBytes(data, "method")

	switch {
	case id.Exists() && !method.Exists():
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		d.resolve(&resp)

	case id.Exists() && method.Exists():
		// Server-to-client request. None are supported; answer so a
		// compliant server is not left waiting.
		d.rejectServerRequest(data, method.String())

	case method.Exists():
		params := json.RawMessage(gjson.GetBytes(data, "params").Raw)
		d.notifyHandlers(method.String(), params)
	}
}

// resolve delivers a response to its waiting caller. Unknown ids (late
// responses after timeout, or after FailAll) are dropped.
func (d *Dispatcher) resolve(resp *response) {
	d.mu.Lock()
	ch, ok := d.pending[resp.ID]
	if ok {
		delete(d.pending, resp.ID)
	}
	d.mu.Unlock()

	if ok {
		select {
		case ch <- outcome{resp: resp}:
		default:
		}
	}
}

// rejectServerRequest answers an unsupported server-to-client request with
// MethodNotFound.
func (d *Dispatcher) rejectServerRequest(data json.RawMessage, method string) {
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	reply := map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"error": &ResponseError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", method),
		},
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = d.framer.WriteMessage(body)
}

// notifyHandlers fans a notification out to subscribers. Handlers run in
// their own goroutine so a slow consumer cannot stall the read loop.
func (d *Dispatcher) notifyHandlers(method string, params json.RawMessage) {
	d.mu.Lock()
	handlers := d.handlers[method]
	if len(handlers) == 0 {
		handlers = d.handlers["*"]
	}
	list := make([]NotificationHandler, len(handlers))
	copy(list, handlers)
	d.mu.Unlock()

	for _, h := range list {
		go h(method, params)
	}
}
