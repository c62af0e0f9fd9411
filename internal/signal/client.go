package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/tickler/internal/config"
)

// closeGrace is how long Close waits for signal-cli to exit on its own.
const closeGrace = 5 * time.Second

// ErrExited is returned by calls made after signal-cli went away.
var ErrExited = errors.New("signal-cli subprocess exited")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcLine is any line signal-cli writes: a response carries an id, a
// notification a method.
type rpcLine struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// RPCError is a JSON-RPC error reported by signal-cli.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

// Client talks JSON-RPC to a signal-cli subprocess over its stdin and
// stdout. Calls are correlated by id; inbound text messages arrive on
// Messages. A Client is safe for concurrent use.
type Client struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex // guards pending and stdin writes
	pending map[int64]chan rpcResult

	messages chan *Envelope
	done     chan struct{}
	waitErr  chan error
}

// NewClient creates a client for cfg. Without explicit args signal-cli
// is run as "-a <account> jsonRpc". Call Start to launch it.
func NewClient(cfg config.SignalConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{"-a", cfg.Account, "jsonRpc"}
	}
	return newClient(cfg.Command, args, logger)
}

func newClient(command string, args []string, logger *slog.Logger) *Client {
	return &Client{
		command:  command,
		args:     args,
		logger:   logger.With("component", "signal"),
		pending:  make(map[int64]chan rpcResult),
		messages: make(chan *Envelope, 64),
		done:     make(chan struct{}),
		waitErr:  make(chan error, 1),
	}
}

// Start launches signal-cli. It must be called once; the process is
// killed when ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.reader = bufio.NewReaderSize(stdout, 1<<20)

	go c.logStderr(stderr)
	go c.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			c.logger.Error("signal-cli exited with error", "error", err)
		} else {
			c.logger.Info("signal-cli exited")
		}
		c.waitErr <- err
	}()

	c.logger.Info("signal-cli started", "command", c.command, "pid", cmd.Process.Pid)
	return nil
}

// Messages delivers inbound text messages. It is closed when signal-cli
// exits.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

// SendMessage sends text to recipient and returns signal's timestamp
// for the sent message.
func (c *Client) SendMessage(ctx context.Context, recipient, text string) (int64, error) {
	raw, err := c.call(ctx, "send", map[string]any{
		"recipient": []string{recipient},
		"message":   text,
	})
	if err != nil {
		return 0, fmt.Errorf("signal send: %w", err)
	}
	var res sendResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return 0, fmt.Errorf("decode send result: %w", err)
		}
	}
	return res.Timestamp, nil
}

// Send implements notify.Notifier.
func (c *Client) Send(ctx context.Context, phone, text string) error {
	_, err := c.SendMessage(ctx, phone, text)
	return err
}

// SendReceipt marks the message sent at timestamp as read.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	if _, err := c.call(ctx, "sendReceipt", map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	}); err != nil {
		return fmt.Errorf("signal sendReceipt: %w", err)
	}
	return nil
}

// SendTyping starts or stops the typing indicator.
func (c *Client) SendTyping(ctx context.Context, recipient string, stop bool) error {
	params := map[string]any{"recipient": recipient}
	if stop {
		params["stop"] = true
	}
	if _, err := c.call(ctx, "sendTyping", params); err != nil {
		return fmt.Errorf("signal sendTyping: %w", err)
	}
	return nil
}

// Ping asks signal-cli for its version.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// Close closes signal-cli's stdin and waits for it to exit, killing it
// after a grace period.
func (c *Client) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(closeGrace):
		c.logger.Warn("signal-cli did not exit, killing", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrExited
	default:
	}
	c.pending[id] = ch
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write to signal-cli: %w", err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res := <-ch:
		return res.result, res.err
	case <-c.done:
		return nil, ErrExited
	}
}

// readLoop routes responses to their callers and text messages to the
// Messages channel until stdout closes.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.logger.Error("signal-cli read error", "error", err)
			}
			c.mu.Lock()
			for id, ch := range c.pending {
				ch <- rpcResult{err: ErrExited}
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var msg rpcLine
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug("signal-cli non-JSON line", "line", string(line))
			continue
		}

		if msg.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("signal-cli response for unknown id", "id", *msg.ID)
				continue
			}
			res := rpcResult{result: msg.Result}
			if msg.Error != nil {
				res.err = msg.Error
			}
			ch <- res
			continue
		}

		if msg.Method != "receive" {
			c.logger.Debug("signal-cli notification ignored", "method", msg.Method)
			continue
		}
		var n receiveNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			c.logger.Warn("malformed receive notification", "error", err)
			continue
		}
		// Receipts and typing indicators are not actionable.
		if n.Envelope.DataMessage == nil {
			continue
		}
		select {
		case c.messages <- &n.Envelope:
		default:
			c.logger.Warn("signal inbox full, dropping message", "sender", n.Envelope.Sender())
		}
	}
}

func (c *Client) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("signal-cli stderr", "line", scanner.Text())
	}
}
