package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProcess is a pipe-backed subprocess stand-in. The test side reads
// what the client wrote on stdinLines and replies through writeStdout.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	stdinLines chan string

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{
		stdinLines: make(chan string, 16),
		exited:     make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	go func() {
		scanner := bufio.NewScanner(p.stdinR)
		for scanner.Scan() {
			p.stdinLines <- scanner.Text()
		}
		close(p.stdinLines)
	}()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Pid() int              { return 4242 }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.exit(nil)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(nil)
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

// exit simulates the subprocess terminating.
func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.Close()
		close(p.exited)
	})
}

// writeStdout emits one line on the fake's stdout.
func (p *fakeProcess) writeStdout(t *testing.T, line string) {
	t.Helper()
	if _, err := p.stdoutW.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
}

// nextStdinLine returns the next line the client wrote, or fails.
func (p *fakeProcess) nextStdinLine(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-p.stdinLines:
		if !ok {
			t.Fatal("stdin closed before expected line")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client write")
		return ""
	}
}

type fakeLauncher struct {
	mu     sync.Mutex
	launch []launchRecord
}

type launchRecord struct {
	args []string
	proc *fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, command string, args []string, env map[string]string) (Process, error) {
	proc := newFakeProcess()
	l.mu.Lock()
	l.launch = append(l.launch, launchRecord{args: args, proc: proc})
	l.mu.Unlock()
	return proc, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launch)
}

func (l *fakeLauncher) latest() launchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launch[len(l.launch)-1]
}

func newTestClient(t *testing.T, launcher *fakeLauncher, timeout time.Duration) *Client {
	t.Helper()
	client := NewClient(Options{
		Command:         "codex",
		Args:            []string{"app-server"},
		ReasoningEffort: "high",
		RequestTimeout:  timeout,
		Launcher:        launcher.Launch,
	})
	t.Cleanup(func() { client.Stop() })
	return client
}

func parseRequest(t *testing.T, line string) Request {
	t.Helper()
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatalf("parse request %q: %v", line, err)
	}
	return req
}

func TestRequestResponseCorrelation_OutOfOrder(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 5*time.Second)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := launcher.latest().proc

	type outcome struct {
		result json.RawMessage
		err    error
	}
	resultA := make(chan outcome, 1)
	resultB := make(chan outcome, 1)
	go func() {
		r, err := client.Request(context.Background(), "first", nil)
		resultA <- outcome{r, err}
	}()

	lineA := parseRequest(t, proc.nextStdinLine(t))

	go func() {
		r, err := client.Request(context.Background(), "second", nil)
		resultB <- outcome{r, err}
	}()
	lineB := parseRequest(t, proc.nextStdinLine(t))

	if lineB.ID <= lineA.ID {
		t.Fatalf("ids must strictly increase: %d then %d", lineA.ID, lineB.ID)
	}

	// Answer B first, then A. Each waiter must get its own payload.
	proc.writeStdout(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"from":"second"}}`, lineB.ID))
	proc.writeStdout(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"from":"first"}}`, lineA.ID))

	got := <-resultB
	if got.err != nil || !strings.Contains(string(got.result), "second") {
		t.Errorf("second request: result=%s err=%v", got.result, got.err)
	}
	got = <-resultA
	if got.err != nil || !strings.Contains(string(got.result), "first") {
		t.Errorf("first request: result=%s err=%v", got.result, got.err)
	}
}

func TestRequestTimeout(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 50*time.Millisecond)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := launcher.latest().proc

	start := time.Now()
	_, err := client.Request(context.Background(), "slow", nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}
	proc.nextStdinLine(t) // request went out, never answered
	if time.Since(start) > time.Second {
		t.Error("timeout took too long")
	}
}

func TestRPCErrorResponse(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 5*time.Second)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := launcher.latest().proc

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "bad", nil)
		done <- err
	}()
	req := parseRequest(t, proc.nextStdinLine(t))
	proc.writeStdout(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, req.ID))

	err := <-done
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Errorf("err = %v", err)
	}
}

func TestMalformedLinesDiscarded(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 5*time.Second)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := launcher.latest().proc

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "ping", nil)
		done <- err
	}()
	req := parseRequest(t, proc.nextStdinLine(t))

	proc.writeStdout(t, `this is not json`)
	proc.writeStdout(t, `"a bare string"`)
	proc.writeStdout(t, `[1,2,3]`)
	proc.writeStdout(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"pong"}`, req.ID))

	if err := <-done; err != nil {
		t.Errorf("request failed despite valid response: %v", err)
	}
}

func TestNotificationWaiterPredicate(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 5*time.Second)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := launcher.latest().proc

	type payload struct {
		TurnID string `json:"turnId"`
	}
	match := func(params json.RawMessage) bool {
		var p payload
		return json.Unmarshal(params, &p) == nil && p.TurnID == "t2"
	}

	done := make(chan *Notification, 1)
	go func() {
		notif, err := client.WaitForNotification(context.Background(), "turn/completed", match, 2*time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- notif
	}()

	// Give the waiter time to register before emitting.
	time.Sleep(20 * time.Millisecond)
	proc.writeStdout(t, `{"jsonrpc":"2.0","method":"turn/completed","params":{"turnId":"t1"}}`)
	proc.writeStdout(t, `{"jsonrpc":"2.0","method":"turn/completed","params":{"turnId":"t2"}}`)

	notif := <-done
	if notif == nil {
		t.Fatal("waiter did not receive notification")
	}
	var p payload
	if err := json.Unmarshal(notif.Params, &p); err != nil || p.TurnID != "t2" {
		t.Errorf("wrong notification delivered: %s", notif.Params)
	}

	// The non-matching one falls through to the shared channel.
	select {
	case other := <-client.Notifications():
		if err := json.Unmarshal(other.Params, &p); err != nil || p.TurnID != "t1" {
			t.Errorf("unexpected fallthrough notification: %s", other.Params)
		}
	case <-time.After(time.Second):
		t.Error("non-matching notification never reached the shared channel")
	}
}

func TestServerRequestRespond(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 5*time.Second)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := launcher.latest().proc

	proc.writeStdout(t, `{"jsonrpc":"2.0","id":"srv-1","method":"applyPatchApproval","params":{"call":"c1"}}`)

	var req *ServerRequest
	select {
	case req = <-client.Requests():
	case <-time.After(2 * time.Second):
		t.Fatal("server request never delivered")
	}
	if req.Method != "applyPatchApproval" || req.ID != "srv-1" {
		t.Fatalf("req = %+v", req)
	}

	if err := client.Respond(req.ID, map[string]string{"decision": "approved"}, nil); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	line := proc.nextStdinLine(t)
	if !strings.Contains(line, `"srv-1"`) || !strings.Contains(line, "approved") {
		t.Errorf("response line = %s", line)
	}
}

func TestUnexpectedExitRejectsPendingWithScrubbedStderr(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 5*time.Second)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := launcher.latest().proc

	// Credential-bearing diagnostics must be redacted before retention.
	proc.stderrW.Write([]byte("auth failed: api_key=sk4f8a9b2c1d3e5f6a7b8c9d0e1f2a3b4c\n"))
	proc.stderrW.Write([]byte("fatal: cannot reach backend\n"))

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "hang", nil)
		done <- err
	}()
	proc.nextStdinLine(t)

	// Let the stderr reader drain before the exit tears the pipes down.
	time.Sleep(50 * time.Millisecond)
	proc.exit(fmt.Errorf("exit status 1"))

	err := <-done
	if err == nil {
		t.Fatal("pending request survived process exit")
	}
	if !strings.Contains(err.Error(), "exited unexpectedly") {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "cannot reach backend") {
		t.Errorf("stderr tail missing from error: %v", err)
	}
	if strings.Contains(err.Error(), "sk4f8a9b2c1d") {
		t.Errorf("credential leaked into error: %v", err)
	}
	if !strings.Contains(err.Error(), "[REDACTED]") {
		t.Errorf("expected redaction marker in error: %v", err)
	}
}

// handshake runs the server side of an initialize exchange, replying with
// respond for the initialize request.
func serveHandshake(t *testing.T, proc *fakeProcess, respond func(id int64) string) {
	t.Helper()
	req := parseRequest(t, proc.nextStdinLine(t))
	if req.Method != "initialize" {
		t.Fatalf("expected initialize, got %s", req.Method)
	}
	proc.writeStdout(t, respond(req.ID))
}

func TestEnsureInitialized_CompatRetryExactlyOnce(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 5*time.Second)

	rejection := func(id int64) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"unknown variant for reasoning effort: high"}}`, id)
	}

	done := make(chan error, 1)
	go func() { done <- client.EnsureInitialized(context.Background()) }()

	// First launch: reject the effort setting.
	waitForLaunches(t, launcher, 1)
	serveHandshake(t, launcher.latest().proc, rejection)

	// The client restarts once with the fallback substituted.
	waitForLaunches(t, launcher, 2)
	second := launcher.latest()
	if !hasArg(second.args, "model_reasoning_effort=medium") {
		t.Errorf("retry args missing fallback effort: %v", second.args)
	}
	serveHandshake(t, second.proc, rejection)

	err := <-done
	if err == nil {
		t.Fatal("expected failure after exhausted retry")
	}
	// A second rejection must not trigger a third launch.
	time.Sleep(50 * time.Millisecond)
	if launcher.count() != 2 {
		t.Errorf("launches = %d, compat retry must be one-shot", launcher.count())
	}
}

func TestEnsureInitialized_Success(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 5*time.Second)

	done := make(chan error, 1)
	go func() { done <- client.EnsureInitialized(context.Background()) }()

	waitForLaunches(t, launcher, 1)
	proc := launcher.latest().proc
	if !hasArg(launcher.latest().args, "model_reasoning_effort=high") {
		t.Errorf("launch args missing configured effort: %v", launcher.latest().args)
	}
	serveHandshake(t, proc, func(id int64) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, id)
	})

	// The initialized notification follows the handshake.
	line := proc.nextStdinLine(t)
	if !strings.Contains(line, `"initialized"`) {
		t.Errorf("expected initialized notification, got %s", line)
	}

	if err := <-done; err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}

	// Idempotent: no new launch, no new handshake.
	if err := client.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("second EnsureInitialized: %v", err)
	}
	if launcher.count() != 1 {
		t.Errorf("launches = %d after idempotent call", launcher.count())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	launcher := &fakeLauncher{}
	client := newTestClient(t, launcher, 5*time.Second)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func waitForLaunches(t *testing.T, launcher *fakeLauncher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for launcher.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d launches, got %d", n, launcher.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasArg(args []string, want string) bool {
	for _, arg := range args {
		if strings.Contains(arg, want) {
			return true
		}
	}
	return false
}
