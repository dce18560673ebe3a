package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawgate/clawgate/internal/observability"
	"github.com/clawgate/clawgate/pkg/models"
)

// ErrCancelled is returned inside the failed ToolResult when the human
// declines a confirmation prompt.
var ErrCancelled = errors.New("cancelled by user")

// ModeProvider reports the active security mode. The gateway owns the
// mode; the executor only reads it.
type ModeProvider interface {
	Mode() models.SecurityMode
}

// StaticMode is a ModeProvider pinned to one mode, used in tests and by
// embedders without a gateway.
type StaticMode models.SecurityMode

func (m StaticMode) Mode() models.SecurityMode { return models.SecurityMode(m) }

// Confirmer asks the human behind a channel to approve a tool call.
// Implementations must resolve to cancel when their own timeout elapses.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, prompt string, details map[string]string) (models.ConfirmationDecision, error)
}

// EventSink receives tool lifecycle events from the executor.
type EventSink interface {
	Publish(event models.GatewayEvent)
}

// Options configures an Executor.
type Options struct {
	Registry *Registry
	Resolver Resolver
	Allow    Allowlist
	Mode     ModeProvider

	// Signatures memoizes allow_always grants; shared across sessions
	// unless the embedder constructs per-session executors.
	Signatures *SignatureSet

	// ConfirmationTimeout bounds how long a prompt may block before it
	// resolves to cancel. Zero means no additional bound.
	ConfirmationTimeout time.Duration

	Events  EventSink
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Executor is the mode-switching tool middleware.
type Executor struct {
	registry   *Registry
	resolver   Resolver
	allow      Allowlist
	mode       ModeProvider
	signatures *SignatureSet

	confirmationTimeout time.Duration

	events  EventSink
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewExecutor creates an executor. Registry and Mode are required.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Mode == nil {
		return nil, fmt.Errorf("mode provider is required")
	}
	if opts.Signatures == nil {
		opts.Signatures = NewSignatureSet()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:            opts.Registry,
		resolver:            opts.Resolver,
		allow:               opts.Allow,
		mode:                opts.Mode,
		signatures:          opts.Signatures,
		confirmationTimeout: opts.ConfirmationTimeout,
		events:              opts.Events,
		metrics:             opts.Metrics,
		logger:              logger.With("component", "sandbox"),
	}, nil
}

// Execute runs one tool call under the active security policy. Every
// failure, including a policy denial or a handler error, is returned as
// a failed ToolResult; the session lane never sees a Go error.
func (e *Executor) Execute(ctx context.Context, call *models.ToolCall, channel Confirmer, sessionID string, env map[string]string) *models.ToolResult {
	result := e.execute(ctx, call, channel, sessionID, env)
	return result
}

func (e *Executor) execute(ctx context.Context, call *models.ToolCall, channel Confirmer, sessionID string, env map[string]string) *models.ToolResult {
	if call == nil {
		return failed(fmt.Errorf("tool call is required"))
	}
	spec := e.registry.Get(call.Name)
	if spec == nil {
		return failed(fmt.Errorf("unknown tool %q", call.Name))
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}

	if spec.Schema != nil {
		if err := spec.Schema.Validate(call.Arguments); err != nil {
			return failed(fmt.Errorf("invalid arguments for %s: %w", call.Name, err))
		}
	}

	// Path arguments are resolved in every mode so handlers always see an
	// absolute path; the containment check applies only in safe mode.
	resolvedPath, hadPath, err := e.resolvePathArgument(call)
	if err != nil {
		return e.deny(call, sessionID, err)
	}

	if e.mode.Mode() == models.ModeSafe {
		if hadPath {
			if err := e.resolver.CheckContainment(resolvedPath); err != nil {
				return e.deny(call, sessionID, err)
			}
		}
		if spec.Kind == KindShell {
			command, _ := call.Arguments["command"].(string)
			if err := e.allow.Check(command); err != nil {
				return e.deny(call, sessionID, err)
			}
			if err := CheckContinuityReference(command, e.resolver.ContinuityFiles); err != nil {
				return e.deny(call, sessionID, err)
			}
		}
		if spec.RequiresConfirmation && !e.confirmationExempt(spec, resolvedPath, hadPath) {
			decision, err := e.confirm(ctx, call, spec, channel)
			if err != nil {
				return e.deny(call, sessionID, err)
			}
			switch decision {
			case models.ConfirmAllowAlways:
				e.signatures.Record(callSignature(call, spec.Kind))
			case models.ConfirmAllowOnce:
				// proceed
			default:
				return e.deny(call, sessionID, ErrCancelled)
			}
		}
	}

	return e.run(ctx, call, spec, sessionID, env)
}

// resolvePathArgument expands and resolves the "path" argument in place.
func (e *Executor) resolvePathArgument(call *models.ToolCall) (string, bool, error) {
	raw, ok := call.Arguments["path"].(string)
	if !ok || raw == "" {
		return "", false, nil
	}
	resolved, err := e.resolver.Resolve(raw)
	if err != nil {
		return "", true, err
	}
	call.Arguments["path"] = resolved
	return resolved, true, nil
}

// confirmationExempt reports whether the prompt may be skipped: either a
// continuity file is being modified through the filesystem tool path (the
// non-shell route already enforces validated writes), or an equivalent
// call was granted allow_always earlier in this process.
func (e *Executor) confirmationExempt(spec *ToolSpec, resolvedPath string, hadPath bool) bool {
	if spec.Kind == KindFilesystem && hadPath && e.resolver.IsContinuityFile(resolvedPath) {
		return true
	}
	return false
}

func (e *Executor) confirm(ctx context.Context, call *models.ToolCall, spec *ToolSpec, channel Confirmer) (models.ConfirmationDecision, error) {
	if e.signatures.Has(callSignature(call, spec.Kind)) {
		return models.ConfirmAllowOnce, nil
	}
	if channel == nil {
		return models.ConfirmCancel, fmt.Errorf("tool %s requires confirmation but no channel is attached", call.Name)
	}

	prompt, details := e.describeCall(call, spec)

	if e.confirmationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.confirmationTimeout)
		defer cancel()
	}
	decision, err := channel.RequestConfirmation(ctx, prompt, details)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.ConfirmCancel, nil
		}
		return models.ConfirmCancel, fmt.Errorf("confirmation failed: %w", err)
	}
	return decision, nil
}

// describeCall builds the human-readable confirmation summary: the
// command, or the working directory, or the path, or a generic line.
func (e *Executor) describeCall(call *models.ToolCall, spec *ToolSpec) (string, map[string]string) {
	details := map[string]string{"tool": call.Name}
	if command, ok := call.Arguments["command"].(string); ok && command != "" {
		details["command"] = command
		if workdir, ok := call.Arguments["workdir"].(string); ok && workdir != "" {
			details["workdir"] = workdir
		}
		return fmt.Sprintf("Run command: %s", command), details
	}
	if workdir, ok := call.Arguments["workdir"].(string); ok && workdir != "" {
		details["workdir"] = workdir
		return fmt.Sprintf("Run %s in %s", call.Name, workdir), details
	}
	if path, ok := call.Arguments["path"].(string); ok && path != "" {
		details["path"] = path
		return fmt.Sprintf("Run %s on %s", call.Name, path), details
	}
	return fmt.Sprintf("Run tool %s", call.Name), details
}

// deny emits the tool lifecycle events around a policy failure so
// subscribers always see a tool.end, then returns the failed result.
func (e *Executor) deny(call *models.ToolCall, sessionID string, err error) *models.ToolResult {
	result := failed(err)
	e.emitStart(call, sessionID)
	e.emitEnd(call, sessionID, result)
	e.countResult(call.Name, result)
	e.logger.Warn("tool call denied", "tool", call.Name, "session_id", sessionID, "error", err)
	return result
}

func (e *Executor) run(ctx context.Context, call *models.ToolCall, spec *ToolSpec, sessionID string, env map[string]string) *models.ToolResult {
	e.emitStart(call, sessionID)
	start := time.Now()

	result, err := spec.Handler(ctx, call, env)
	if err != nil {
		result = failed(err)
	}
	if result == nil {
		result = failed(fmt.Errorf("tool %s returned no result", call.Name))
	}

	if e.metrics != nil {
		e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	}
	e.countResult(call.Name, result)
	e.emitEnd(call, sessionID, result)
	return result
}

func (e *Executor) emitStart(call *models.ToolCall, sessionID string) {
	if e.events == nil {
		return
	}
	e.events.Publish(models.GatewayEvent{
		Type:      models.EventToolStart,
		SessionID: sessionID,
		Tool:      &models.ToolEventPayload{Call: *call},
	})
}

func (e *Executor) emitEnd(call *models.ToolCall, sessionID string, result *models.ToolResult) {
	if e.events == nil {
		return
	}
	e.events.Publish(models.GatewayEvent{
		Type:      models.EventToolEnd,
		SessionID: sessionID,
		Tool:      &models.ToolEventPayload{Call: *call, Result: result},
	})
}

func (e *Executor) countResult(tool string, result *models.ToolResult) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if !result.Success {
		status = "error"
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
}

func failed(err error) *models.ToolResult {
	return &models.ToolResult{Success: false, Error: err.Error()}
}
