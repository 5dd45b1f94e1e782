// Package buildops runs allow-listed build tools inside a workspace root.
package buildops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"time"

	"github.com/mattjoyce/ductile-worker/internal/ops/execrun"
	"github.com/mattjoyce/ductile-worker/internal/task"
	"github.com/mattjoyce/ductile-worker/internal/workspace"
)

var ErrToolNotAllowed = errors.New("build tool not allowed")

type Config struct {
	AllowedTools []string
	// Timeout is the default and the upper bound for per-task timeouts.
	Timeout time.Duration
}

type Service struct {
	root    *workspace.Root
	allowed map[string]struct{}
	timeout time.Duration
	runner  execrun.Runner
	logger  *slog.Logger
}

func New(root *workspace.Root, cfg Config, logger *slog.Logger) *Service {
	allowed := make(map[string]struct{}, len(cfg.AllowedTools))
	for _, tool := range cfg.AllowedTools {
		allowed[tool] = struct{}{}
	}
	return &Service{
		root:    root,
		allowed: allowed,
		timeout: cfg.Timeout,
		runner:  execrun.Runner{Logger: logger},
		logger:  logger.With("component", "buildops"),
	}
}

// Output is the payload of a finished build.
type Output struct {
	Tool       string `json:"tool"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

// Execute implements dispatch.Service[task.BuildTask].
func (s *Service) Execute(ctx context.Context, t task.BuildTask) (task.Result, error) {
	if _, ok := s.allowed[t.Tool]; !ok {
		return task.Result{}, fmt.Errorf("%w: %s", ErrToolNotAllowed, t.Tool)
	}
	bin, err := exec.LookPath(t.Tool)
	if err != nil {
		return task.Result{}, fmt.Errorf("locate %s: %w", t.Tool, err)
	}
	dir, err := s.root.Resolve(t.Dir)
	if err != nil {
		return task.Result{}, err
	}

	args := t.Args
	if t.Op == task.BuildClean {
		args = append([]string{"clean"}, t.Args...)
	}

	res, err := s.runner.Run(ctx, execrun.Command{
		Name:    bin,
		Args:    args,
		Dir:     dir,
		Env:     envList(t.Env),
		Timeout: s.effectiveTimeout(t.Timeout),
	})
	if err != nil {
		return task.Result{}, err
	}

	s.logger.Debug("build finished", "tool", t.Tool, "op", t.Op, "duration", res.Duration)
	return task.Result{
		Message: fmt.Sprintf("%s %s finished in %s", t.Tool, t.Op, res.Duration.Round(time.Millisecond)),
		Payload: Output{
			Tool:       t.Tool,
			ExitCode:   res.ExitCode,
			DurationMS: res.Duration.Milliseconds(),
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
		},
	}, nil
}

func (s *Service) effectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.timeout
	}
	if s.timeout > 0 && requested > s.timeout {
		return s.timeout
	}
	return requested
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
