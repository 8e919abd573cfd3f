// Package executil executes external gate commands and captures their
// outcome as data.
//
// Commands are always argv lists handed to the OS verbatim; nothing is ever
// joined into a shell string, so metacharacters inside an argument are inert.
// A non-zero exit is a result, not an error. A timeout kills the child, keeps
// whatever output was captured before the kill, and reports the reserved
// TimeoutExitCode.
package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattice-substrate/proofkit/evidenceerr"
)

const (
	// TimeoutExitCode is reported when a command exceeds its timeout.
	TimeoutExitCode = 124
	// SpawnFailureExitCode is reported when the command could not be started.
	SpawnFailureExitCode = 127
)

const tracerName = "github.com/lattice-substrate/proofkit/runtime/executil"

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 2 * time.Second

// Command is one external invocation.
type Command struct {
	Argv []string
	// Dir is the working directory; empty means the runner's default.
	Dir string
	// Env entries are merged over the inherited environment.
	Env map[string]string
	// Timeout of zero disables the timeout.
	Timeout time.Duration
	Stdin   []byte
}

// Result is the captured outcome of one invocation.
type Result struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	TimedOut  bool
	StartedAt time.Time
	EndedAt   time.Time
}

// Success reports a zero exit without timeout.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// CommandRunner abstracts command execution.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// OSRunner executes commands on the host.
type OSRunner struct {
	Tracer trace.Tracer
	Logger *slog.Logger
	// Now is the wall clock; nil means time.Now.
	Now func() time.Time
}

// Run executes cmd. The returned error is non-nil only for an unusable
// Command (empty argv) or cancellation of ctx by the caller; every outcome of
// the child process itself is reported through Result.
func (r OSRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Argv) == 0 {
		return Result{}, evidenceerr.New(evidenceerr.Configuration, "executil", "empty argv")
	}
	tracer := r.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default().With("component", "executil")
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	ctx, span := tracer.Start(ctx, "executil.Run", trace.WithAttributes(
		attribute.String("proofkit.argv0", cmd.Argv[0]),
		attribute.Int("proofkit.argc", len(cmd.Argv)),
		attribute.String("proofkit.dir", cmd.Dir),
	))
	defer span.End()

	runCtx := ctx
	cancel := func() {}
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	defer cancel()

	// #nosec G204 -- argv is passed verbatim, never through a shell.
	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.WaitDelay = waitDelay
	if len(cmd.Env) != 0 {
		c.Env = mergeEnv(c.Environ(), cmd.Env)
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	res := Result{StartedAt: now().UTC()}
	runErr := c.Run()
	res.EndedAt = now().UTC()

	switch {
	case runErr == nil:
		res.ExitCode = 0
	case cmd.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		fmt.Fprintf(&stderr, "\n[proofkit] command timed out after %s and was killed\n", cmd.Timeout)
	case ctx.Err() != nil:
		res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "canceled")
		return res, fmt.Errorf("run %q: %w", cmd.Argv, ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = SpawnFailureExitCode
			fmt.Fprintf(&stderr, "\n[proofkit] spawn failed: %v\n", runErr)
		}
	}
	res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()

	span.SetAttributes(
		attribute.Int("proofkit.exit_code", res.ExitCode),
		attribute.Bool("proofkit.timed_out", res.TimedOut),
	)
	if !res.Success() {
		span.SetStatus(codes.Error, fmt.Sprintf("exit %d", res.ExitCode))
	}
	logger.DebugContext(ctx, "command finished",
		"argv0", cmd.Argv[0],
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration", res.EndedAt.Sub(res.StartedAt),
	)
	return res, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	merged := append([]string(nil), base...)
	for _, k := range keys {
		merged = append(merged, fmt.Sprintf("%s=%s", k, overrides[k]))
	}
	return merged
}
