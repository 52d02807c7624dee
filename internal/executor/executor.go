// Package executor launches the external skill CLI as a subprocess and
// captures its output. One invocation per inbound message or accepted
// continuation; timeouts and retries are handled here so callers only
// ever see a populated Result or a launch failure.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ConversationIDEnv is the environment variable carrying the
// conversation identifier into the subprocess so downstream tooling can
// correlate its own logs and session files.
const ConversationIDEnv = "SKILLBRIDGE_CONVERSATION_ID"

// Request describes a single invocation. Immutable once created; retry
// attempts derive new Requests via withAttempt.
type Request struct {
	// ID is a unique identifier for this request (UUID).
	ID string
	// ConversationID correlates the invocation with a conversation.
	ConversationID string
	// InputText is the raw user (or continuation) text passed as the
	// first argument to the CLI.
	InputText string
	// Attempt is the 1-based attempt number.
	Attempt int
}

// NewRequest creates a first-attempt Request with a fresh ID.
func NewRequest(conversationID, inputText string) Request {
	return Request{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		InputText:      inputText,
		Attempt:        1,
	}
}

// withAttempt returns a copy of the request for the given attempt
// number. The request ID is preserved so all attempts correlate.
func (r Request) withAttempt(n int) Request {
	r.Attempt = n
	return r
}

// Result is the outcome of one subprocess run. Produced exactly once
// per run and never mutated. A non-zero exit or a timeout still yields
// a populated Result; only launch failures surface as errors.
type Result struct {
	Success        bool          `json:"success"`
	ExitCode       int           `json:"exit_code"`
	Stdout         string        `json:"stdout"`
	Stderr         string        `json:"stderr"`
	Duration       time.Duration `json:"duration"`
	TimedOut       bool          `json:"timed_out,omitempty"`
	ConversationID string        `json:"conversation_id"`
}

// LaunchError reports that the subprocess could not be created at all
// (missing binary, permission denied). This is the only fatal error the
// executor produces; business failures are Results.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IsLaunchError reports whether err is (or wraps) a LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// Config holds the invocation contract for the skill CLI.
type Config struct {
	// Path is the executable to launch.
	Path string
	// BaseArgs are placed before the user text.
	BaseArgs []string
	// AutoConfirmFlag, when non-empty, is appended after the user text
	// so the CLI runs unattended.
	AutoConfirmFlag string
	// Timeout bounds a single invocation. Zero means no timeout.
	Timeout time.Duration
	// MaxRetries is the attempt limit for RunWithRetry. Default 3.
	MaxRetries int
	// RetryBaseDelay is the base for linear backoff between attempts.
	// Default 1 second.
	RetryBaseDelay time.Duration
	// MaxOutputBytes caps captured stdout/stderr. Default 200KB.
	MaxOutputBytes int
}

// Runner executes skill CLI invocations.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	// sleep is swappable for tests that assert backoff timing.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Runner. The executable is not checked until the first
// Run so that configuration errors surface per-request as launch
// failures rather than at startup.
func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 200 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// waitDelay bounds how long Wait may block on the output pipes after
// the context fires and the process group is killed.
const waitDelay = 5 * time.Second

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// args assembles the argument list: base args, then the raw user text
// as a single argument, then the optional auto-confirm flag.
func (r *Runner) args(inputText string) []string {
	out := make([]string, 0, len(r.cfg.BaseArgs)+2)
	out = append(out, r.cfg.BaseArgs...)
	out = append(out, inputText)
	if r.cfg.AutoConfirmFlag != "" {
		out = append(out, r.cfg.AutoConfirmFlag)
	}
	return out
}

// Run launches one subprocess invocation and waits for it to finish or
// time out. Stdout and stderr are captured into independent buffers.
// On timeout the process is killed and the Result carries TimedOut with
// exit code -1. Returns an error only when the process could not be
// started.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, r.cfg.Path, r.args(req.InputText)...)
	cmd.Env = append(os.Environ(), ConversationIDEnv+"="+req.ConversationID)

	// Skill CLIs fork helpers that inherit the stdout/stderr pipes, and
	// Wait blocks until every pipe holder exits. Run the invocation in
	// its own process group, kill the whole group on timeout, and bound
	// Wait with WaitDelay so an orphan that survives the kill cannot
	// wedge the conversation.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err == syscall.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.logger.Error("subprocess launch failed",
			"path", r.cfg.Path,
			"conversation_id", req.ConversationID,
			"error", err,
		)
		return nil, &LaunchError{Path: r.cfg.Path, Err: err}
	}

	r.logger.Debug("subprocess started",
		"path", r.cfg.Path,
		"pid", cmd.Process.Pid,
		"conversation_id", req.ConversationID,
		"request_id", req.ID,
		"attempt", req.Attempt,
	)

	// Wait returns once, whether the process exited on its own or was
	// killed by the context. The context check below decides which
	// happened; a timeout that fired wins over the exit status.
	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := &Result{
		Stdout:         truncateOutput(stdout.String(), r.cfg.MaxOutputBytes),
		Stderr:         truncateOutput(stderr.String(), r.cfg.MaxOutputBytes),
		Duration:       duration,
		ConversationID: req.ConversationID,
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		r.logger.Warn("subprocess timed out",
			"conversation_id", req.ConversationID,
			"request_id", req.ID,
			"timeout", r.cfg.Timeout.String(),
			"duration_ms", duration.Milliseconds(),
		)
		return result, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Wait failed for a non-exit reason (I/O error copying
			// output). Treat as a business failure, not a launch error.
			result.ExitCode = -1
			r.logger.Error("subprocess wait failed",
				"conversation_id", req.ConversationID,
				"error", waitErr,
			)
		}
	}

	result.Success = result.ExitCode == 0

	r.logger.Debug("subprocess finished",
		"conversation_id", req.ConversationID,
		"request_id", req.ID,
		"exit_code", result.ExitCode,
		"success", result.Success,
		"duration_ms", duration.Milliseconds(),
	)

	return result, nil
}

// RunWithRetry runs the request, retrying business failures (non-zero
// exit, timeout) up to maxAttempts with linearly increasing backoff:
// the delay after attempt n is RetryBaseDelay × n. A successful result
// short-circuits immediately. The last result is returned after
// exhausting attempts without an error; launch failures propagate at
// once since retrying a missing binary cannot help.
func (r *Runner) RunWithRetry(ctx context.Context, req Request, maxAttempts int) (*Result, error) {
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxRetries
	}

	var last *Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := r.Run(ctx, req.withAttempt(attempt))
		if err != nil {
			return nil, err
		}
		if result.Success {
			return result, nil
		}
		last = result

		if attempt < maxAttempts {
			delay := r.cfg.RetryBaseDelay * time.Duration(attempt)
			r.logger.Info("retrying failed invocation",
				"conversation_id", req.ConversationID,
				"request_id", req.ID,
				"attempt", attempt,
				"timed_out", result.TimedOut,
				"exit_code", result.ExitCode,
				"delay", delay.String(),
			)
			if err := r.sleep(ctx, delay); err != nil {
				// Context cancelled mid-backoff; return what we have.
				return last, nil
			}
		}
	}

	r.logger.Warn("invocation failed after all attempts",
		"conversation_id", req.ConversationID,
		"request_id", req.ID,
		"attempts", maxAttempts,
	)
	return last, nil
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
