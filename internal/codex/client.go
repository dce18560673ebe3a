package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/clawgate/clawgate/internal/observability"
)

const (
	defaultRequestTimeout = 90 * time.Second
	stopGrace             = 3 * time.Second
	stderrTailLines       = 8

	// effortFallback replaces a rejected reasoning-effort setting on the
	// one-shot compat retry.
	effortFallback = "medium"
)

var errWriteFailed = errors.New("write to subprocess failed")

// Options configures a Client.
type Options struct {
	Command string
	Args    []string
	Env     map[string]string

	// ReasoningEffort is appended to the launch arguments as a config
	// override. It may be downgraded once if the subprocess rejects it.
	ReasoningEffort string

	// RequestTimeout bounds each RPC round trip. Defaults to 90s.
	RequestTimeout time.Duration

	// Launcher spawns the subprocess. Defaults to LaunchCommand.
	Launcher Launcher

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

type pendingCall struct {
	method string
	ch     chan callResult
}

type callResult struct {
	resp *Response
	err  error
}

type notifWaiter struct {
	method string
	match  func(params json.RawMessage) bool
	ch     chan *Notification
}

// Client owns one reasoning subprocess and a line-delimited JSON-RPC
// session over its stdio. One client per subprocess; the streams are
// never shared.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex // guards proc, stdin, done, stopping, initialized
	proc        Process
	stdin       io.WriteCloser
	done        chan struct{} // closed when the current process has exited
	stopping    bool
	initialized bool

	// initMu serializes EnsureInitialized so two callers cannot race the
	// handshake or the recovery restarts.
	initMu sync.Mutex

	// compatRetried makes the reasoning-effort downgrade a one-shot per
	// client instance, so a retry that also fails cannot loop.
	compatRetried  bool
	effortOverride string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	nextID    atomic.Int64

	waiterMu sync.Mutex
	waiters  []*notifWaiter

	events   chan *Notification
	requests chan *ServerRequest

	stderrTail *tailBuffer
}

// NewClient creates a client. The subprocess is not started until Start
// or EnsureInitialized.
func NewClient(opts Options) *Client {
	if opts.Launcher == nil {
		opts.Launcher = LaunchCommand
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:       opts,
		logger:     logger.With("component", "codex"),
		pending:    make(map[int64]*pendingCall),
		events:     make(chan *Notification, 100),
		requests:   make(chan *ServerRequest, 16),
		stderrTail: newTailBuffer(stderrTailLines),
	}
}

// launchArgs returns the configured arguments plus the reasoning-effort
// override, applying the compat downgrade when one was recorded.
func (c *Client) launchArgs() []string {
	args := append([]string(nil), c.opts.Args...)
	effort := c.opts.ReasoningEffort
	if c.effortOverride != "" {
		effort = c.effortOverride
	}
	if effort != "" {
		args = append(args, "-c", fmt.Sprintf("model_reasoning_effort=%s", effort))
	}
	return args
}

// Start spawns the subprocess and attaches the stdio readers. Idempotent
// while the process is running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx)
}

func (c *Client) startLocked(ctx context.Context) error {
	if c.proc != nil {
		return nil
	}
	if c.opts.Command == "" {
		return fmt.Errorf("command is required")
	}

	proc, err := c.opts.Launcher(ctx, c.opts.Command, c.launchArgs(), c.opts.Env)
	if err != nil {
		return fmt.Errorf("launch %s: %w", c.opts.Command, err)
	}

	done := make(chan struct{})
	c.proc = proc
	c.stdin = proc.Stdin()
	c.done = done
	c.stopping = false

	c.logger.Info("started reasoning subprocess", "command", c.opts.Command, "pid", proc.Pid())

	go c.readLoop(proc.Stdout())
	go c.readStderr(proc.Stderr())
	go c.reapProcess(proc, done)
	return nil
}

// reapProcess waits for the subprocess to exit. An exit while not
// explicitly stopping rejects every pending request with the recent
// stderr tail attached.
func (c *Client) reapProcess(proc Process, done chan struct{}) {
	waitErr := proc.Wait()
	close(done)

	c.mu.Lock()
	stopping := c.stopping
	if c.proc == proc {
		c.proc = nil
		c.stdin = nil
		c.initialized = false
	}
	c.mu.Unlock()

	if stopping {
		return
	}

	tail := c.stderrTail.String()
	err := fmt.Errorf("reasoning subprocess exited unexpectedly (%v)", waitErr)
	if tail != "" {
		err = fmt.Errorf("%w; recent stderr:\n%s", err, tail)
	}
	c.logger.Error("subprocess exited", "error", waitErr, "stderr_tail", tail)
	c.rejectAll(err)
}

func (c *Client) rejectAll(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.pendingMu.Unlock()

	for _, call := range pending {
		call.ch <- callResult{err: err}
	}
}

// Stop shuts the subprocess down: SIGTERM, a 3 second grace period, then
// SIGKILL. Safe to call when not running.
func (c *Client) Stop() error {
	c.mu.Lock()
	proc := c.proc
	done := c.done
	if proc == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		proc.Kill()
	}
	select {
	case <-done:
	case <-time.After(stopGrace):
		c.logger.Warn("subprocess did not exit after SIGTERM, killing")
		proc.Kill()
		<-done
	}

	c.rejectAll(fmt.Errorf("client stopped"))

	c.mu.Lock()
	c.proc = nil
	c.stdin = nil
	c.stopping = false
	c.initialized = false
	c.mu.Unlock()
	return nil
}

// restart tears the subprocess down and spawns a fresh one. Used by the
// handshake recovery paths.
func (c *Client) restart(ctx context.Context) error {
	if err := c.Stop(); err != nil {
		return err
	}
	return c.Start(ctx)
}

// EnsureInitialized starts the subprocess if needed and performs the
// initialize handshake, idempotently. Two failure shapes are recovered
// automatically, once each: a rejected reasoning-effort setting (retried
// with a downgraded value substituted into the launch arguments) and a
// stdin write that raced a process exit (retried after a restart).
func (c *Client) EnsureInitialized(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	already := c.initialized
	c.mu.Unlock()
	if already {
		return nil
	}

	if err := c.Start(ctx); err != nil {
		return err
	}

	err := c.initialize(ctx)
	if err != nil {
		switch {
		case isEffortRejection(err) && !c.compatRetried:
			c.compatRetried = true
			c.effortOverride = effortFallback
			c.logger.Warn("reasoning effort rejected, retrying with fallback",
				"fallback", effortFallback, "error", err)
			if rerr := c.restart(ctx); rerr != nil {
				return rerr
			}
			err = c.initialize(ctx)
		case errors.Is(err, errWriteFailed):
			c.logger.Warn("stdin write raced a process exit, restarting", "error", err)
			if rerr := c.restart(ctx); rerr != nil {
				return rerr
			}
			err = c.initialize(ctx)
		}
	}
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := InitializeParams{
		ClientInfo: ClientInfo{Name: "clawgate", Title: "Clawgate", Version: "dev"},
	}
	if _, err := c.Request(ctx, "initialize", params); err != nil {
		return err
	}
	return c.Notify(ctx, "initialized", nil)
}

// isEffortRejection reports whether the handshake error is the subprocess
// rejecting an unknown reasoning-effort variant.
func isEffortRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "effort") {
		return false
	}
	for _, marker := range []string{"unknown", "invalid", "unsupported", "variant"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Request sends method with params and waits for the correlated response.
// Responses may arrive in any order; each resolves its own waiter.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = encoded
	}

	call := &pendingCall{method: method, ch: make(chan callResult, 1)}
	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeMessage(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case result := <-call.ch:
		if result.err != nil {
			c.countRequest(method, "error")
			return nil, result.err
		}
		if result.resp.Error != nil {
			c.countRequest(method, "error")
			return nil, fmt.Errorf("rpc error %d on %s: %w", result.resp.Error.Code, method, result.resp.Error)
		}
		c.countRequest(method, "success")
		return result.resp.Result, nil
	case <-ctx.Done():
		c.countRequest(method, "error")
		return nil, ctx.Err()
	case <-timer.C:
		c.countRequest(method, "timeout")
		return nil, fmt.Errorf("request %s timed out after %v", method, c.opts.RequestTimeout)
	}
}

func (c *Client) countRequest(method, status string) {
	if c.opts.Metrics == nil {
		return
	}
	c.opts.Metrics.RPCRequestCounter.WithLabelValues(method, status).Inc()
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = encoded
	}
	return c.writeMessage(notif)
}

// Respond answers a server-initiated request. The id is echoed verbatim.
func (c *Client) Respond(id any, result any, rpcErr *Error) error {
	msg := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	return c.writeMessage(msg)
}

func (c *Client) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("%w: subprocess not running", errWriteFailed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", errWriteFailed, err)
	}
	return nil
}

// Notifications returns the channel carrying notifications no waiter
// claimed. Slow consumers drop; there is no replay.
func (c *Client) Notifications() <-chan *Notification {
	return c.events
}

// Requests returns the channel of server-initiated requests; each must be
// answered via Respond.
func (c *Client) Requests() <-chan *ServerRequest {
	return c.requests
}

// WaitForNotification blocks until a notification for method arrives
// whose params satisfy match (nil matches any), or timeout elapses.
func (c *Client) WaitForNotification(ctx context.Context, method string, match func(params json.RawMessage) bool, timeout time.Duration) (*Notification, error) {
	waiter := &notifWaiter{method: method, match: match, ch: make(chan *Notification, 1)}
	c.waiterMu.Lock()
	c.waiters = append(c.waiters, waiter)
	c.waiterMu.Unlock()
	defer c.removeWaiter(waiter)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case notif := <-waiter.ch:
		return notif, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timed out after %v waiting for %s", timeout, method)
	}
}

func (c *Client) removeWaiter(target *notifWaiter) {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// readLoop classifies each stdout line: response (id plus result/error),
// server request (id plus method), or notification (method only). Lines
// that do not parse as a JSON object are discarded.
func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var msg incoming
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		switch {
		case msg.ID != nil && msg.Method != "":
			c.dispatchServerRequest(&msg)
		case msg.ID != nil:
			c.dispatchResponse(&msg)
		case msg.Method != "":
			c.dispatchNotification(&Notification{JSONRPC: msg.JSONRPC, Method: msg.Method, Params: msg.Params})
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error("stdout scanner error", "error", err)
	}
}

func (c *Client) dispatchResponse(msg *incoming) {
	var id int64
	switch v := msg.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	default:
		c.logger.Warn("response with unexpected id type", "id", msg.ID)
		return
	}

	c.pendingMu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown or expired request", "id", id)
		return
	}
	call.ch <- callResult{resp: &Response{ID: id, Result: msg.Result, Error: msg.Error}}
}

func (c *Client) dispatchServerRequest(msg *incoming) {
	req := &ServerRequest{ID: msg.ID, Method: msg.Method, Params: msg.Params}
	select {
	case c.requests <- req:
	default:
		c.logger.Warn("server request channel full, rejecting", "method", msg.Method)
		c.Respond(msg.ID, nil, &Error{Code: -32000, Message: "client overloaded"})
	}
}

// dispatchNotification hands the notification to the first matching
// waiter, or falls through to the shared channel.
func (c *Client) dispatchNotification(notif *Notification) {
	c.waiterMu.Lock()
	for i, w := range c.waiters {
		if w.method != notif.Method {
			continue
		}
		if w.match != nil && !w.match(notif.Params) {
			continue
		}
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		c.waiterMu.Unlock()
		w.ch <- notif
		return
	}
	c.waiterMu.Unlock()

	select {
	case c.events <- notif:
	default:
		c.logger.Warn("notification channel full, dropping", "method", notif.Method)
	}
}

// readStderr retains a scrubbed tail of the subprocess's stderr for exit
// diagnostics. Secrets are redacted before the line is ever stored.
func (c *Client) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		scrubbed := observability.Scrub(line)
		c.stderrTail.add(scrubbed)
		c.logger.Debug("subprocess stderr", "message", scrubbed)
	}
}

// tailBuffer keeps the last max lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
