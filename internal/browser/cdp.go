package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// RequestEvent is one outbound request observed in the page, as reported
// by Network.requestWillBeSent.
type RequestEvent struct {
	URL     string
	Headers map[string]string
}

// maxCDPMessage raises the websocket read limit; DevTools events for busy
// pages routinely exceed the library default.
const maxCDPMessage = 16 << 20

// eventBuffer bounds the request event channel. The watcher only cares
// about one matching request at a time, so dropping events under burst is
// harmless.
const eventBuffer = 256

// cdpConn is a Chrome DevTools Protocol session attached to a single page
// target. Calls are multiplexed over one websocket; Network events are
// fanned out on the Requests channel.
type cdpConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan callReply

	requests chan RequestEvent
	done     chan struct{}
	closeErr error
}

type callReply struct {
	result json.RawMessage
	err    error
}

// cdpMessage is the protocol envelope: responses carry an ID, events carry
// a Method.
type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// devtoolsTarget is one entry of the /json/list discovery endpoint.
type devtoolsTarget struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// dialPage discovers page targets on the debug port and attaches to the
// most relevant one (an icloud.com page when present, otherwise the first
// page target).
func dialPage(ctx context.Context, port int, logger *slog.Logger) (*cdpConn, error) {
	target, err := pickPageTarget(ctx, port)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.Dial(ctx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: dialing devtools: %w", err)
	}

	ws.SetReadLimit(maxCDPMessage)

	conn := &cdpConn{
		ws:       ws,
		logger:   logger,
		pending:  map[int64]chan callReply{},
		requests: make(chan RequestEvent, eventBuffer),
		done:     make(chan struct{}),
	}

	go conn.readLoop()

	logger.Debug("attached to page target", slog.String("url", target.URL))

	return conn, nil
}

// pickPageTarget queries the DevTools discovery endpoint for page targets.
func pickPageTarget(ctx context.Context, port int) (*devtoolsTarget, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/list", port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: building discovery request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser: querying devtools targets: %w", err)
	}
	defer resp.Body.Close()

	var targets []devtoolsTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("browser: decoding devtools targets: %w", err)
	}

	var fallback *devtoolsTarget

	for i := range targets {
		t := &targets[i]
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}

		if strings.Contains(t.URL, "icloud.com") {
			return t, nil
		}

		if fallback == nil {
			fallback = t
		}
	}

	if fallback == nil {
		return nil, fmt.Errorf("browser: no page target on debug port %d", port)
	}

	return fallback, nil
}

// Call invokes a DevTools method and decodes its result into result (which
// may be nil for fire-and-forget methods).
func (c *cdpConn) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	reply := make(chan callReply, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("browser: encoding %s: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.ws.Write(ctx, websocket.MessageText, payload)
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("browser: sending %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("browser: %s canceled: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("browser: connection closed during %s: %w", method, c.closeErr)
	case r := <-reply:
		if r.err != nil {
			return r.err
		}

		if result != nil && len(r.result) > 0 {
			if err := json.Unmarshal(r.result, result); err != nil {
				return fmt.Errorf("browser: decoding %s result: %w", method, err)
			}
		}

		return nil
	}
}

// Requests returns the stream of outbound page requests. The channel is
// never closed while the connection lives; consumers should also select on
// their own cancellation.
func (c *cdpConn) Requests() <-chan RequestEvent {
	return c.requests
}

// readLoop demultiplexes responses and events until the socket closes.
func (c *cdpConn) readLoop() {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.closeErr = err
			close(c.done)
			c.failPending(err)

			return
		}

		var msg cdpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("discarding malformed devtools message", slog.String("error", err.Error()))
			continue
		}

		switch {
		case msg.ID != 0:
			c.deliverReply(&msg)
		case msg.Method == "Network.requestWillBeSent":
			c.deliverRequest(msg.Params)
		}
	}
}

// deliverReply routes a call response to its waiter.
func (c *cdpConn) deliverReply(msg *cdpMessage) {
	c.mu.Lock()
	reply, ok := c.pending[msg.ID]
	c.mu.Unlock()

	if !ok {
		return
	}

	r := callReply{result: msg.Result}
	if msg.Error != nil {
		r.err = fmt.Errorf("browser: devtools error %d: %s", msg.Error.Code, msg.Error.Message)
	}

	reply <- r
}

// deliverRequest pushes a request event, dropping it if the buffer is full.
func (c *cdpConn) deliverRequest(params json.RawMessage) {
	var ev struct {
		Request struct {
			URL     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		} `json:"request"`
	}

	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	select {
	case c.requests <- RequestEvent{URL: ev.Request.URL, Headers: ev.Request.Headers}:
	default:
	}
}

// failPending unblocks all in-flight calls after the socket dies.
func (c *cdpConn) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, reply := range c.pending {
		reply <- callReply{err: fmt.Errorf("browser: connection closed: %w", err)}
		delete(c.pending, id)
	}
}

// Close tears down the websocket.
func (c *cdpConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "shutting down")
}
