// Package driver manages the out-of-process debugger child's lifecycle:
// spawning it, framing its output by prompt sentinel, and feeding it commands.
package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"

	"github.com/capulus/dbgnexus/internal/common/config"
	apperrors "github.com/capulus/dbgnexus/internal/common/errors"
	"github.com/capulus/dbgnexus/internal/common/logger"
	"go.uber.org/zap"
)

// State is the lifecycle state of the driven child process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// errorWrapper lets atomic.Value store a possibly-nil error.
type errorWrapper struct{ err error }

// outputLine is one line read from the child, tagged by stream.
type outputLine struct {
	stream  string // "stdout" or "stderr"
	content string
	sentinel bool // true when this line matched the prompt sentinel
}

// Driver owns a single debugger child process and the two reader goroutines
// that frame its stdout into command-shaped chunks using a prompt sentinel.
type Driver struct {
	cfg    config.DriverConfig
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	lines chan outputLine

	state    atomic.Value // State
	exitErr  atomic.Value // errorWrapper

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// New creates a Driver bound to the given configuration. Start must be
// called before Execute.
func New(cfg config.DriverConfig, log *logger.Logger) *Driver {
	d := &Driver{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "debugger-driver")),
		lines:  make(chan outputLine, 256),
	}
	d.state.Store(StateStopped)
	d.exitErr.Store(errorWrapper{})
	return d
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return d.state.Load().(State)
}

// ExitError returns the error the child exited with, if any.
func (d *Driver) ExitError() error {
	return d.exitErr.Load().(errorWrapper).err
}

// IsActive reports whether the child process can currently accept commands.
func (d *Driver) IsActive() bool {
	return d.State() == StateRunning
}

// Start spawns the debugger child with the given target (dump path or
// attach spec) appended to the configured extra arguments. symbolsPath, if
// non-empty, is passed as the child's symbol search path (cdb's "-y" flag).
func (d *Driver) Start(ctx context.Context, target, symbolsPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateRunning || d.State() == StateStarting {
		return apperrors.InvalidInput("driver already started")
	}

	args, err := shlex.Split(d.cfg.ExtraArgs)
	if err != nil {
		return apperrors.DriverStartFailed(fmt.Errorf("parsing driver args: %w", err))
	}
	if symbolsPath != "" {
		args = append(args, "-y", symbolsPath)
	}
	if target != "" {
		args = append(args, "-z", target)
	}

	d.state.Store(StateStarting)
	d.logger.Info("starting debugger child", zap.String("executable", d.cfg.Executable), zap.Strings("args", args))

	// Intentionally uses exec.Command, not exec.CommandContext: the MCP
	// request context that triggers session open must not reach in and kill
	// a long-lived debugger child once the request completes.
	d.cmd = exec.Command(d.cfg.Executable, args...)

	if d.stdin, err = d.cmd.StdinPipe(); err != nil {
		d.state.Store(StateCrashed)
		return apperrors.DriverStartFailed(err)
	}
	if d.stdout, err = d.cmd.StdoutPipe(); err != nil {
		d.state.Store(StateCrashed)
		return apperrors.DriverStartFailed(err)
	}
	if d.stderr, err = d.cmd.StderrPipe(); err != nil {
		d.state.Store(StateCrashed)
		return apperrors.DriverStartFailed(err)
	}

	if err := d.cmd.Start(); err != nil {
		d.state.Store(StateCrashed)
		return apperrors.DriverStartFailed(err)
	}

	d.stopCh = make(chan struct{})
	// waitForExit closes d.lines when a previous child exits, so a restart
	// needs a fresh channel for the new reader goroutines.
	d.lines = make(chan outputLine, 256)
	d.wg.Add(3)
	go d.readStdout()
	go d.readStderr()
	go d.waitForExit()

	d.state.Store(StateRunning)
	d.logger.Info("debugger child started", zap.Int("pid", d.cmd.Process.Pid))
	return nil
}

// Execute writes command to the child's stdin and blocks until the prompt
// sentinel reappears on stdout, returning everything printed in between.
// It respects ctx cancellation/deadline and an idle-read timeout between
// successive lines of output. On either, it writes the configured break
// sequence and waits briefly for the prompt to reappear before returning,
// so the cancelled command's trailing output is drained here rather than
// leaking into the next Execute call's read of the shared line channel. If
// the child never regains its prompt, the driver is marked crashed, which
// the session health sweep picks up and routes to the recovery controller.
func (d *Driver) Execute(ctx context.Context, command string) (string, error) {
	if !d.IsActive() {
		return "", apperrors.New(apperrors.CodeChildCrashed, "driver is not running")
	}

	if _, err := io.WriteString(d.stdin, command+"\n"); err != nil {
		return "", apperrors.ChildCrashed(err)
	}

	idleTimer := time.NewTimer(d.cfg.IdleReadTimeout())
	defer idleTimer.Stop()

	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			cancelled := ctx.Err() == context.Canceled
			d.interrupt()
			if cancelled {
				return out.String(), apperrors.Cancelled("command cancelled")
			}
			return out.String(), apperrors.Timeout("command exceeded its execution-class timeout")
		case <-idleTimer.C:
			d.interrupt()
			return out.String(), apperrors.Timeout("command produced no output within the idle read timeout")
		case line, ok := <-d.lines:
			if !ok {
				return out.String(), apperrors.ChildCrashed(d.ExitError())
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(d.cfg.IdleReadTimeout())

			if line.stream == "stderr" {
				out.WriteString("[STDERR] ")
				out.WriteString(line.content)
				out.WriteString("\n")
				continue
			}
			if line.sentinel {
				return out.String(), nil
			}
			out.WriteString(line.content)
			out.WriteString("\n")
		}
	}
}

// interrupt writes the configured break sequence to the child's stdin and
// drains output until the prompt sentinel reappears or BreakWait elapses.
// It is called whenever Execute is abandoning a command early, so the
// child's eventual output for that command never reaches a later Execute
// call reading off the same d.lines channel.
func (d *Driver) interrupt() {
	if d.stdin == nil {
		return
	}
	if _, err := io.WriteString(d.stdin, d.cfg.BreakSequence+"\n"); err != nil {
		d.logger.Warn("failed to write break sequence to unresponsive child", zap.Error(err))
		d.state.Store(StateCrashed)
		return
	}

	deadline := time.NewTimer(d.cfg.BreakWait())
	defer deadline.Stop()
	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return
			}
			if line.sentinel {
				return
			}
		case <-deadline.C:
			d.logger.Warn("debugger child unresponsive to break sequence")
			d.state.Store(StateCrashed)
			return
		}
	}
}

// Stop asks the child to exit, waiting up to the configured grace period
// before force-killing it.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateStopped || d.State() == StateStopping {
		return nil
	}

	d.logger.Info("stopping debugger child")
	d.state.Store(StateStopping)

	if d.stopCh != nil {
		close(d.stopCh)
	}
	if d.stdin != nil {
		_, _ = io.WriteString(d.stdin, "q\n")
		d.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	graceCtx, cancel := context.WithTimeout(ctx, d.cfg.StopGrace())
	defer cancel()

	select {
	case <-done:
		d.logger.Info("debugger child stopped gracefully")
	case <-graceCtx.Done():
		if d.cmd != nil && d.cmd.Process != nil {
			d.logger.Warn("force killing debugger child")
			_ = d.cmd.Process.Kill()
		}
		<-done
	}

	d.state.Store(StateStopped)
	return nil
}

func (d *Driver) readStdout() {
	defer d.wg.Done()
	sentinel := d.cfg.PromptSentinel
	scanner := bufio.NewScanner(d.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if strings.Contains(text, sentinel) {
			select {
			case d.lines <- outputLine{stream: "stdout", sentinel: true}:
			case <-d.stopCh:
				return
			}
			continue
		}
		select {
		case d.lines <- outputLine{stream: "stdout", content: text}:
		case <-d.stopCh:
			return
		}
	}
}

func (d *Driver) readStderr() {
	defer d.wg.Done()
	scanner := bufio.NewScanner(d.stderr)
	for scanner.Scan() {
		select {
		case d.lines <- outputLine{stream: "stderr", content: scanner.Text()}:
		case <-d.stopCh:
			return
		}
	}
}

func (d *Driver) waitForExit() {
	defer d.wg.Done()
	err := d.cmd.Wait()
	if err != nil {
		d.exitErr.Store(errorWrapper{err: err})
		d.logger.Warn("debugger child exited with error", zap.Error(err))
		if d.State() != StateStopping {
			d.state.Store(StateCrashed)
		}
	} else {
		d.logger.Info("debugger child exited")
	}
	close(d.lines)
}
