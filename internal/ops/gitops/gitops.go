// Package gitops executes git tasks with the git binary inside a workspace
// root.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/ductile-worker/internal/ops/execrun"
	"github.com/mattjoyce/ductile-worker/internal/task"
	"github.com/mattjoyce/ductile-worker/internal/workspace"
)

type Config struct {
	Binary  string
	Timeout time.Duration
}

type Service struct {
	root    *workspace.Root
	binary  string
	timeout time.Duration
	runner  execrun.Runner
	logger  *slog.Logger
}

func New(root *workspace.Root, cfg Config, logger *slog.Logger) *Service {
	bin := cfg.Binary
	if bin == "" {
		bin = "git"
	}
	return &Service{
		root:    root,
		binary:  bin,
		timeout: cfg.Timeout,
		runner:  execrun.Runner{Logger: logger},
		logger:  logger.With("component", "gitops"),
	}
}

// Execute implements dispatch.Service[task.GitTask].
func (s *Service) Execute(ctx context.Context, t task.GitTask) (task.Result, error) {
	switch t.Op {
	case task.GitClone:
		return s.clone(ctx, t)
	case task.GitCheckout:
		return s.simple(ctx, t, "Checked out "+t.Ref, "checkout", t.Ref)
	case task.GitPull:
		args := []string{"pull", "--ff-only"}
		if t.Remote != "" {
			args = append(args, t.Remote)
			if t.Ref != "" {
				args = append(args, t.Ref)
			}
		}
		return s.simple(ctx, t, "Pulled latest changes", args...)
	case task.GitCommit:
		return s.commit(ctx, t)
	case task.GitPush:
		args := []string{"push"}
		if t.Remote != "" {
			args = append(args, t.Remote)
			if t.Ref != "" {
				args = append(args, t.Ref)
			}
		}
		return s.simple(ctx, t, "Pushed changes", args...)
	case task.GitStatus:
		return s.status(ctx, t)
	}
	return task.Result{}, fmt.Errorf("%w: git %q", task.ErrUnknownOperation, t.Op)
}

func (s *Service) clone(ctx context.Context, t task.GitTask) (task.Result, error) {
	dir := t.Dir
	if dir == "" {
		dir = repoName(t.RepoURL)
	}
	target, err := s.root.Resolve(dir)
	if err != nil {
		return task.Result{}, err
	}

	args := []string{"clone"}
	if t.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(t.Depth))
	}
	if t.Ref != "" {
		args = append(args, "--branch", t.Ref)
	}
	args = append(args, "--", t.RepoURL, target)

	if _, err := s.git(ctx, s.root.Dir(), args...); err != nil {
		return task.Result{}, err
	}
	head, _ := s.head(ctx, target)
	return task.Result{
		Message: fmt.Sprintf("Cloned %s into %s", t.RepoURL, s.root.Rel(target)),
		Payload: map[string]string{"dir": s.root.Rel(target), "head": head},
	}, nil
}

func (s *Service) commit(ctx context.Context, t task.GitTask) (task.Result, error) {
	dir, err := s.root.Resolve(t.Dir)
	if err != nil {
		return task.Result{}, err
	}

	add := []string{"add"}
	if len(t.Paths) == 0 {
		add = append(add, "--all")
	} else {
		add = append(add, "--")
		add = append(add, t.Paths...)
	}
	if _, err := s.git(ctx, dir, add...); err != nil {
		return task.Result{}, err
	}
	if _, err := s.git(ctx, dir, "commit", "-m", t.Message); err != nil {
		return task.Result{}, err
	}
	head, _ := s.head(ctx, dir)
	return task.Result{
		Message: "Committed " + shortHash(head),
		Payload: map[string]string{"head": head},
	}, nil
}

func (s *Service) status(ctx context.Context, t task.GitTask) (task.Result, error) {
	dir, err := s.root.Resolve(t.Dir)
	if err != nil {
		return task.Result{}, err
	}
	res, err := s.git(ctx, dir, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return task.Result{}, err
	}
	st := parseStatus(res.Stdout)
	msg := "Working tree clean"
	if len(st.Changes) > 0 {
		msg = fmt.Sprintf("%d changed paths", len(st.Changes))
	}
	return task.Result{Message: msg, Payload: st}, nil
}

func (s *Service) simple(ctx context.Context, t task.GitTask, message string, args ...string) (task.Result, error) {
	dir, err := s.root.Resolve(t.Dir)
	if err != nil {
		return task.Result{}, err
	}
	if _, err := s.git(ctx, dir, args...); err != nil {
		return task.Result{}, err
	}
	head, _ := s.head(ctx, dir)
	return task.Result{Message: message, Payload: map[string]string{"head": head}}, nil
}

func (s *Service) head(ctx context.Context, dir string) (string, error) {
	res, err := s.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (s *Service) git(ctx context.Context, dir string, args ...string) (execrun.Result, error) {
	return s.runner.Run(ctx, execrun.Command{
		Name:    s.binary,
		Args:    args,
		Dir:     dir,
		Env:     []string{"GIT_TERMINAL_PROMPT=0"},
		Timeout: s.timeout,
	})
}

// Status is the parsed output of git status --porcelain --branch.
type Status struct {
	Branch  string   `json:"branch,omitempty"`
	Changes []string `json:"changes,omitempty"`
}

func parseStatus(out string) Status {
	var st Status
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "## "); ok {
			branch, _, _ := strings.Cut(rest, "...")
			st.Branch = strings.TrimSpace(branch)
			continue
		}
		st.Changes = append(st.Changes, line)
	}
	return st
}

// repoName derives a directory name from a clone URL.
func repoName(url string) string {
	url = strings.TrimRight(url, "/")
	if i := strings.LastIndexAny(url, ":/"); i >= 0 {
		url = url[i+1:]
	}
	name := strings.TrimSuffix(path.Base(url), ".git")
	if name == "" || name == "." || name == ".." {
		return "repo"
	}
	return name
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
