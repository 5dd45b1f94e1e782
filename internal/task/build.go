package task

import (
	"fmt"
	"strings"
	"time"
)

type BuildOp string

const (
	BuildRun   BuildOp = "run"
	BuildClean BuildOp = "clean"
)

var buildOps = map[BuildOp]struct{}{BuildRun: {}, BuildClean: {}}

type BuildRequest struct {
	Tool         string            `json:"tool"`
	Args         []string          `json:"args,omitempty"`
	Dir          string            `json:"dir,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	TimeoutSecs  int               `json:"timeout_seconds,omitempty"`
	AsyncRequest bool              `json:"asyncRequest"`
}

type BuildTask struct {
	Meta
	Op      BuildOp
	Tool    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

func (BuildTask) Domain() Domain      { return DomainBuild }
func (t BuildTask) Operation() string { return string(t.Op) }

func (req BuildRequest) Validate(op string) error {
	if _, ok := buildOps[BuildOp(op)]; !ok {
		return fmt.Errorf("%w: build %q", ErrUnknownOperation, op)
	}
	tool := strings.TrimSpace(req.Tool)
	if tool == "" {
		return invalid("tool is required")
	}
	if strings.ContainsAny(tool, `/\`) {
		return invalid("tool must be a bare name, got %q", tool)
	}
	if req.TimeoutSecs < 0 {
		return invalid("timeout_seconds must not be negative")
	}
	return nil
}

func NewBuildTask(id, op string, req BuildRequest) (BuildTask, error) {
	if err := req.Validate(op); err != nil {
		return BuildTask{}, err
	}
	bop := BuildOp(op)
	tool := strings.TrimSpace(req.Tool)

	env := make(map[string]string, len(req.Env))
	for k, v := range req.Env {
		env[k] = v
	}
	return BuildTask{
		Meta: Meta{
			ID:         id,
			Async:      req.AsyncRequest,
			InProgress: fmt.Sprintf("Running %s %s", tool, op),
			Cancel:     fmt.Sprintf("build %s cancelled before start", op),
		},
		Op:      bop,
		Tool:    tool,
		Args:    append([]string(nil), req.Args...),
		Dir:     strings.TrimSpace(req.Dir),
		Env:     env,
		Timeout: time.Duration(req.TimeoutSecs) * time.Second,
	}, nil
}
