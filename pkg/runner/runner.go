package runner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kralicky/supercut/pkg/logstream"
	"golang.org/x/sys/unix"
)

const DefaultGracePeriod = 5 * time.Second

// Invocation fully describes one external process execution. Arguments are
// passed to the process as-is; no shell is ever involved.
type Invocation struct {
	Command string
	Args    []string
	// Working directory. Empty means the server's working directory.
	Dir string
	// Extra environment variables (KEY=value), appended to the server's own.
	Env []string
}

func (i Invocation) String() string {
	return strings.Join(append([]string{i.Command}, i.Args...), " ")
}

// Result holds the accumulated output of a process that exited successfully.
type Result struct {
	Stdout string
	Stderr string
}

type Options struct {
	// How long a process gets to exit after SIGTERM before its process group
	// is sent SIGKILL.
	GracePeriod time.Duration
}

type Runner struct {
	Options
}

func New(opts Options) *Runner {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Runner{Options: opts}
}

// Run starts the invocation and waits for it to exit. If onLog is non-nil, it
// is called synchronously once per output chunk, in the order the chunks were
// read from each stream, and every call happens before Run returns.
//
// When ctx is canceled before the process exits, the process group is
// terminated; if the cancellation was a deadline, the returned error matches
// ErrTimeout.
func (r *Runner) Run(ctx context.Context, inv Invocation, onLog func(logstream.Line)) (Result, error) {
	proc, err := r.Start(ctx, inv)
	if err != nil {
		return Result{}, err
	}
	if onLog != nil {
		// the stream is closed once the process has exited and both pipes
		// have been drained, so this cannot outlive the process.
		for line := range proc.Lines(context.Background()) {
			onLog(line)
		}
	}
	return proc.Wait()
}

// Start starts the invocation in its own process group and returns
// immediately. The process is bound to ctx: canceling it terminates the
// process.
func (r *Runner) Start(ctx context.Context, inv Invocation) (*Process, error) {
	if inv.Command == "" {
		return nil, &SpawnError{Reason: errors.New("empty command")}
	}
	u := uuid.New()
	id := hex.EncodeToString(u[:])

	buf := logstream.NewBuffer()
	done := make(chan struct{})

	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdin = nil
	cmd.Stdout = buf.Writer(logstream.Stdout)
	cmd.Stderr = buf.Writer(logstream.Stderr)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// output pipes can be held open by grandchildren; don't let Wait hang on
	// them forever once the process group has been killed.
	cmd.WaitDelay = 2 * r.GracePeriod

	lg := slog.With("id", id, "command", inv.Command)
	cmd.Cancel = func() error {
		lg.Debug("context canceled; attempting graceful shutdown", "cause", context.Cause(ctx))
		pgid := cmd.Process.Pid
		start := time.Now()
		go func() {
			timeout := time.NewTimer(r.GracePeriod)
			defer timeout.Stop()
			select {
			case <-timeout.C:
				lg.Warn("process did not exit within grace period, sending SIGKILL")
				if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
					lg.Error("failed to send SIGKILL", "error", err)
				}
			case <-done:
				lg.Debug("process exited within grace period", "took", time.Since(start))
			}
		}()
		return unix.Kill(-pgid, unix.SIGTERM)
	}

	proc := &Process{
		id:   id,
		inv:  inv,
		cmd:  cmd,
		ctx:  ctx,
		buf:  buf,
		done: done,
	}

	if err := cmd.Start(); err != nil {
		buf.Close()
		close(done)
		lg.Error("failed to start command", "error", err)
		return nil, &SpawnError{Command: inv.Command, Reason: err}
	}
	lg.Debug("command started", "pid", cmd.Process.Pid)

	go proc.wait(lg)
	return proc, nil
}

// Process is a running (or exited) invocation started by a Runner. It is
// owned by the caller that started it.
type Process struct {
	id   string
	inv  Invocation
	cmd  *exec.Cmd
	ctx  context.Context
	buf  *logstream.Buffer
	done chan struct{}

	// written once before done is closed
	result Result
	err    error
}

func (p *Process) ID() string {
	return p.id
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Lines streams every output chunk of the process, stdout and stderr
// interleaved in the order they were read. The channel is closed after the
// process exits and its output has been fully delivered, or when ctx is
// canceled. Each call returns an independent stream starting from the first
// chunk.
func (p *Process) Lines(ctx context.Context) <-chan logstream.Line {
	return p.buf.NewStream(ctx)
}

// Output returns the underlying buffer of the process output.
func (p *Process) Output() *logstream.Buffer {
	return p.buf
}

// Done returns a channel that is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its result.
func (p *Process) Wait() (Result, error) {
	<-p.done
	return p.result, p.err
}

func (p *Process) wait(lg *slog.Logger) {
	defer close(p.done)
	start := time.Now()
	waitErr := p.cmd.Wait()
	p.buf.Close()

	p.result = Result{
		Stdout: p.buf.Text(logstream.Stdout),
		Stderr: p.buf.Text(logstream.Stderr),
	}
	state := p.cmd.ProcessState
	lg = lg.With("duration", time.Since(start))
	if waitErr == nil && state != nil && state.Success() {
		lg.Debug("command exited")
		return
	}

	exitErr := &ExitError{
		Command:  p.inv.Command,
		ExitCode: -1,
		Stderr:   p.result.Stderr,
	}
	if state != nil {
		exitErr.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exitErr.Signal = ws.Signal()
		}
	}
	if p.ctx.Err() != nil {
		if errors.Is(p.ctx.Err(), context.DeadlineExceeded) {
			exitErr.Cause = ErrTimeout
		} else {
			exitErr.Cause = context.Cause(p.ctx)
		}
	} else if state == nil {
		exitErr.Cause = waitErr
	}
	p.err = exitErr
	lg.With(
		"exitCode", exitErr.ExitCode,
		"signal", exitErr.Signal,
		"cause", exitErr.Cause,
	).Info("command failed")
}

// ErrTimeout is matched (via errors.Is) by the ExitError of a process that
// was terminated because its context deadline passed.
var ErrTimeout = errors.New("process timed out")

// SpawnError is returned when a process could not be started at all, e.g.
// because the external engine is not installed.
type SpawnError struct {
	Command string
	Reason  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Reason)
}

func (e *SpawnError) Unwrap() error {
	return e.Reason
}

// ExitError is returned when a process exited with a non-zero status or was
// terminated by a signal.
type ExitError struct {
	Command  string
	ExitCode int
	Signal   syscall.Signal
	// Everything the process wrote to stderr, for diagnostics.
	Stderr string
	// Set when the process was terminated because its context ended.
	Cause error
}

func (e *ExitError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s exited with code %d", e.Command, e.ExitCode)
	if e.Signal != 0 {
		fmt.Fprintf(&sb, " (signal: %s)", e.Signal)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&sb, ": %s", lastLine(stderr))
	}
	return sb.String()
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
