// Package toolserver connects to external tool servers speaking MCP over SSE
// and exposes their tools to task tool loops.
package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned for calls on a closed client.
var ErrClosed = errors.New("tool server connection closed")

// ToolInfo describes a tool exposed by a tool server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// RPCError is a JSON-RPC error returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcReply struct {
	result json.RawMessage
	err    error
}

// Client holds one SSE session with a tool server. Requests are POSTed to the
// endpoint announced on the stream; replies arrive as "message" events.
type Client struct {
	name        string
	sseURL      string
	rpcURL      string
	http        *http.Client
	callTimeout time.Duration
	tools       []ToolInfo

	pending map[int64]chan rpcReply
	nextID  atomic.Int64
	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger
}

// NewClient creates a client for the server's SSE endpoint.
func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	return &Client{
		name:        name,
		sseURL:      sseURL,
		http:        &http.Client{},
		callTimeout: 30 * time.Second,
		pending:     make(map[int64]chan rpcReply),
		logger:      logger,
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// Tools returns the tools discovered on Connect.
func (c *Client) Tools() []ToolInfo { return c.tools }

// Connect opens the event stream, waits for the endpoint announcement and
// lists the server's tools. ctx bounds the handshake only.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("tool server %s: %w", c.name, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("tool server %s connect: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("tool server %s: stream status %d", c.name, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	endpoint, err := nextEvent(scanner, "endpoint")
	if err != nil {
		resp.Body.Close()
		cancel()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return fmt.Errorf("tool server %s endpoint: %w", c.name, err)
	}
	rpcURL, err := resolve(c.sseURL, endpoint)
	if err != nil {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("tool server %s endpoint: %w", c.name, err)
	}

	c.mu.Lock()
	c.rpcURL = rpcURL
	c.closed = false
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.readStream(scanner, resp.Body)

	if err := c.fetchTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("tool server %s list tools: %w", c.name, err)
	}
	c.logger.Info("tool server connected",
		zap.String("name", c.name),
		zap.String("rpc", c.rpcURL),
		zap.Int("tools", len(c.tools)))
	return nil
}

// nextEvent scans until an event of the wanted type and returns its data.
func nextEvent(scanner *bufio.Scanner, want string) (string, error) {
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event == want {
				return strings.TrimSpace(strings.TrimPrefix(line, "data:")), nil
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", io.ErrUnexpectedEOF
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// readStream dispatches "message" events until the stream ends, then fails
// every pending call.
func (c *Client) readStream(scanner *bufio.Scanner, body io.ReadCloser) {
	defer close(c.done)
	defer body.Close()
	for {
		data, err := nextEvent(scanner, "message")
		if err != nil {
			break
		}
		c.dispatch([]byte(data))
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- rpcReply{err: ErrClosed}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) dispatch(data []byte) {
	var env struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("tool server: ignoring non-rpc event", zap.String("name", c.name))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if env.Error != nil {
		ch <- rpcReply{err: env.Error}
		return
	}
	ch <- rpcReply{result: env.Result}
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)

	c.mu.Lock()
	if c.closed || c.rpcURL == "" {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	rpcURL := c.rpcURL
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	body, err := json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{"2.0", id, method, params})
	if err != nil {
		forget()
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(body))
	if err != nil {
		forget()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		forget()
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		forget()
		return nil, fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("rpc %s timed out after %s", method, c.callTimeout)
	}
}

func (c *Client) fetchTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.tools = resp.Tools
	return nil
}

// CallTool invokes a tool and returns its text content. A result flagged
// isError becomes an error.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	result, err := c.call(ctx, "tools/call", map[string]interface{}{"name": name, "arguments": args})
	if err != nil {
		return "", fmt.Errorf("tool server %s call %s: %w", c.name, name, err)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || len(resp.Content) == 0 {
		return string(result), nil
	}
	var texts []string
	for _, part := range resp.Content {
		if part.Type == "text" || part.Type == "" {
			texts = append(texts, part.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if resp.IsError {
		return "", fmt.Errorf("tool server %s call %s: %s", c.name, name, text)
	}
	return text, nil
}

// Close ends the event stream and fails pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
