package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// ErrClientClosed is returned for calls made after the transport closed.
var ErrClientClosed = errors.New("mcp client closed")

// Max length of one newline-delimited message, 32 MiB.
const maxMessageBytes = 32 * 1024 * 1024

// Client is a JSON-RPC client over a newline-delimited byte stream,
// normally the stdio pipes of the target subprocess. One reader goroutine
// dispatches responses to pending calls by ID; writes are serialized.
type Client struct {
	stdin  io.WriteCloser
	cmd    *exec.Cmd
	logger *log.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Response
	closed  bool

	done    chan struct{}
	readErr error
}

// StartCommand launches the target subprocess and returns a client over its
// stdio. The subprocess inherits the proxy's stderr so its diagnostics stay
// visible without touching the protocol stream.
func StartCommand(argv []string, logger *log.Logger) (*Client, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty target command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening target stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening target stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting target %s: %w", argv[0], err)
	}

	client := NewClient(stdin, stdout, logger)
	client.cmd = cmd
	return client, nil
}

// NewClient wraps an existing writer/reader pair. Used directly in tests;
// production code goes through StartCommand.
func NewClient(stdin io.WriteCloser, stdout io.Reader, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	c := &Client{
		stdin:   stdin,
		logger:  logger,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

func (c *Client) readLoop(stdout io.Reader) {
	defer c.failPending()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxMessageBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Non-protocol noise on the target's stdout goes to the log, never
		// back upstream.
		if line[0] != '{' {
			c.logger.Debug("target stdout noise", "line", string(line))
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("unparseable message from target", "error", err)
			continue
		}
		if len(resp.ID) == 0 {
			// Server-initiated notification; nothing awaits it.
			c.logger.Debug("dropping target notification")
			continue
		}

		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			c.logger.Warn("response with non-numeric id from target", "id", string(resp.ID))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if ok {
			ch <- &resp
		}
	}

	c.mu.Lock()
	c.readErr = scanner.Err()
	c.mu.Unlock()
}

// failPending closes the transport and unblocks every waiter.
func (c *Client) failPending() {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to target: %w", err)
	}
	return nil
}

// Call sends a request and waits for the matching response, honoring ctx
// cancellation. params may be any marshalable value or raw JSON.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
	}
	if params != nil {
		data, err := marshalParams(params)
		if err != nil {
			c.abandon(id)
			return nil, err
		}
		req.Params = data
	}

	if err := c.writeMessage(&req); err != nil {
		c.abandon(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

func (c *Client) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params any) error {
	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := marshalParams(params)
		if err != nil {
			return err
		}
		req.Params = data
	}
	return c.writeMessage(&req)
}

// Initialize performs the protocol handshake and sends the initialized
// notification.
func (c *Client) Initialize(ctx context.Context, clientInfo Implementation) (*InitializeResult, error) {
	raw, err := c.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding initialize result: %w", err)
	}

	if err := c.Notify("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("sending initialized notification: %w", err)
	}
	return &result, nil
}

// ListTools fetches the target's tool catalogue.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("listing target tools: %w", err)
	}
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tool list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one target tool and decodes its result envelope.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*CallToolResult, error) {
	raw, err := c.Call(ctx, "tools/call", ToolCallParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tool result: %w", err)
	}
	return &result, nil
}

// Close shuts the transport down: stdin closes so a well-behaved target
// exits, then a grace period, then SIGKILL.
func (c *Client) Close() error {
	c.stdin.Close()

	if c.cmd == nil {
		return nil
	}

	waited := make(chan error, 1)
	go func() { waited <- c.cmd.Wait() }()

	select {
	case err := <-waited:
		return err
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		return <-waited
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return data, nil
}
