package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/clawgate/clawgate/pkg/models"
)

// readLines pumps r into the returned channel line by line, closing it
// on EOF. Exactly one goroutine ever reads the terminal: the REPL and
// the confirmation prompts both receive from this channel, so a prompt
// raised mid-turn takes the next typed line instead of racing the REPL
// for a shared reader.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()
	return lines
}

// consoleChannel is the terminal-backed channel used by serve: stream
// chunks print as they arrive and confirmation prompts consume the next
// line from the shared stdin pump.
type consoleChannel struct {
	out   io.Writer
	lines <-chan string

	// confirmMu serializes confirmation prompts so two tool calls cannot
	// interleave their questions on one terminal.
	confirmMu sync.Mutex

	confirmationTimeout time.Duration
}

func newConsoleChannel(lines <-chan string, confirmationTimeout time.Duration) *consoleChannel {
	return &consoleChannel{
		out:                 os.Stdout,
		lines:               lines,
		confirmationTimeout: confirmationTimeout,
	}
}

func (c *consoleChannel) Send(ctx context.Context, text string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func (c *consoleChannel) SendStream(ctx context.Context, fragments <-chan string) error {
	for fragment := range fragments {
		if _, err := fmt.Fprint(c.out, fragment); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(c.out)
	return err
}

// RequestConfirmation prompts on the terminal and waits for the next
// line from the stdin pump. An unanswered prompt resolves to cancel when
// the timeout elapses; so does a closed stdin.
func (c *consoleChannel) RequestConfirmation(ctx context.Context, prompt string, details map[string]string) (models.ConfirmationDecision, error) {
	c.confirmMu.Lock()
	defer c.confirmMu.Unlock()

	fmt.Fprintf(c.out, "\n%s\n", prompt)
	for key, value := range details {
		fmt.Fprintf(c.out, "  %s: %s\n", key, value)
	}
	fmt.Fprint(c.out, "Allow? [y]es once / [a]lways / [n]o: ")

	timeout := c.confirmationTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	select {
	case line, ok := <-c.lines:
		if !ok {
			return models.ConfirmCancel, nil
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			return models.ConfirmAllowOnce, nil
		case "a", "always":
			return models.ConfirmAllowAlways, nil
		default:
			return models.ConfirmCancel, nil
		}
	case <-time.After(timeout):
		fmt.Fprintln(c.out, "(no answer, cancelling)")
		return models.ConfirmCancel, nil
	case <-ctx.Done():
		return models.ConfirmCancel, nil
	}
}
