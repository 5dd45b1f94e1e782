package task

import (
	"fmt"
	"strings"
)

type GitOp string

const (
	GitClone    GitOp = "clone"
	GitCheckout GitOp = "checkout"
	GitPull     GitOp = "pull"
	GitCommit   GitOp = "commit"
	GitPush     GitOp = "push"
	GitStatus   GitOp = "status"
)

var gitOps = map[GitOp]struct{}{
	GitClone: {}, GitCheckout: {}, GitPull: {}, GitCommit: {}, GitPush: {}, GitStatus: {},
}

// GitRequest is the decoded body of a git submission.
type GitRequest struct {
	RepoURL      string   `json:"repo_url,omitempty"`
	Dir          string   `json:"dir,omitempty"`
	Ref          string   `json:"ref,omitempty"`
	Remote       string   `json:"remote,omitempty"`
	Message      string   `json:"message,omitempty"`
	Paths        []string `json:"paths,omitempty"`
	Depth        int      `json:"depth,omitempty"`
	AsyncRequest bool     `json:"asyncRequest"`
}

type GitTask struct {
	Meta
	Op      GitOp
	RepoURL string
	Dir     string
	Ref     string
	Remote  string
	Message string
	Paths   []string
	Depth   int
}

func (GitTask) Domain() Domain      { return DomainGit }
func (t GitTask) Operation() string { return string(t.Op) }

// Validate checks that req carries what op needs.
func (req GitRequest) Validate(op string) error {
	gop := GitOp(op)
	if _, ok := gitOps[gop]; !ok {
		return fmt.Errorf("%w: git %q", ErrUnknownOperation, op)
	}

	dir := strings.TrimSpace(req.Dir)
	switch gop {
	case GitClone:
		if strings.TrimSpace(req.RepoURL) == "" {
			return invalid("repo_url is required for clone")
		}
	case GitCheckout:
		if dir == "" || req.Ref == "" {
			return invalid("dir and ref are required for checkout")
		}
	case GitCommit:
		if dir == "" || strings.TrimSpace(req.Message) == "" {
			return invalid("dir and message are required for commit")
		}
	default:
		if dir == "" {
			return invalid("dir is required for %s", op)
		}
	}
	if req.Depth < 0 {
		return invalid("depth must not be negative")
	}
	return nil
}

// NewGitTask builds the task for process id from a submission.
func NewGitTask(id, op string, req GitRequest) (GitTask, error) {
	if err := req.Validate(op); err != nil {
		return GitTask{}, err
	}

	gop := GitOp(op)
	dir := strings.TrimSpace(req.Dir)
	target := dir
	if target == "" {
		target = req.RepoURL
	}
	return GitTask{
		Meta: Meta{
			ID:         id,
			Async:      req.AsyncRequest,
			InProgress: fmt.Sprintf("Running git %s on %s", op, target),
			Cancel:     fmt.Sprintf("git %s cancelled before start", op),
		},
		Op:      gop,
		RepoURL: strings.TrimSpace(req.RepoURL),
		Dir:     dir,
		Ref:     req.Ref,
		Remote:  req.Remote,
		Message: req.Message,
		Paths:   append([]string(nil), req.Paths...),
		Depth:   req.Depth,
	}, nil
}
