// Package execrun runs external tools for the domain services with a hard
// timeout, staged termination and bounded output capture.
package execrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// MaxOutputBytes caps the amount of stdout and stderr kept per stream.
	MaxOutputBytes = 64 * 1024

	// TerminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	TerminationGracePeriod = 5 * time.Second
)

var (
	ErrTimeout  = errors.New("command timed out")
	ErrCanceled = errors.New("command canceled")
)

// ExitError reports a non-zero exit status.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.Code, msg)
}

type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment when non-empty
	Stdin   io.Reader
	Timeout time.Duration
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes commands. The zero value is usable.
type Runner struct {
	Grace  time.Duration
	Logger *slog.Logger
}

// Run starts c and waits for it. The process is terminated when the timeout
// elapses or ctx is done.
func (r Runner) Run(ctx context.Context, c Command) (Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := r.Grace
	if grace <= 0 {
		grace = TerminationGracePeriod
	}

	// Not CommandContext: termination is staged below.
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	// Grandchildren holding the output pipes must not stall Wait.
	cmd.WaitDelay = grace
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = c.Stdin
	}

	stdout := &cappedBuffer{limit: MaxOutputBytes}
	stderr := &cappedBuffer{limit: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	var timeoutC <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	logger.Debug("running command", "name", c.Name, "args", c.Args, "dir", c.Dir, "timeout", c.Timeout)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", c.Name, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	result := func() Result {
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: cmd.ProcessState.ExitCode(),
			Duration: time.Since(start),
		}
	}

	var cause error
	select {
	case err := <-waitErr:
		res := result()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return res, &ExitError{Name: c.Name, Code: exitErr.ExitCode(), Stderr: res.Stderr}
			}
			return res, fmt.Errorf("wait for %s: %w", c.Name, err)
		}
		return res, nil
	case <-timeoutC:
		cause = ErrTimeout
	case <-ctx.Done():
		cause = ErrCanceled
	}

	logger.Warn("terminating command, sending SIGTERM", "name", c.Name, "reason", cause)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-waitErr:
		logger.Info("command exited after SIGTERM", "name", c.Name)
	case <-graceTimer.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL", "name", c.Name)
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}

	return result(), fmt.Errorf("%s: %w", c.Name, cause)
}

// cappedBuffer keeps the first limit bytes and discards the rest while still
// reporting full writes so the child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
