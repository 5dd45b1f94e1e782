package task

import (
	"errors"
	"fmt"
	"sort"
)

type Domain string

const (
	DomainGit   Domain = "git"
	DomainFile  Domain = "file"
	DomainBuild Domain = "build"
)

// Domains lists every domain that gets its own queue and worker loop.
var Domains = []Domain{DomainGit, DomainFile, DomainBuild}

func ParseDomain(s string) (Domain, error) {
	for _, d := range Domains {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDomain, s)
}

// Operations lists the operations d accepts, sorted.
func Operations(d Domain) []string {
	var ops []string
	switch d {
	case DomainGit:
		for op := range gitOps {
			ops = append(ops, string(op))
		}
	case DomainFile:
		for op := range fileOps {
			ops = append(ops, string(op))
		}
	case DomainBuild:
		for op := range buildOps {
			ops = append(ops, string(op))
		}
	}
	sort.Strings(ops)
	return ops
}

var (
	ErrUnknownDomain    = errors.New("unknown domain")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Task is implemented by GitTask, FileTask and BuildTask.
type Task interface {
	Domain() Domain
	Operation() string
	ProcessID() string
	IsAsync() bool
	InProgressMessage() string
	CancelMessage() string
}

// EventType is the stream event type published when t completes.
func EventType(t Task) string {
	return string(t.Domain()) + "." + t.Operation()
}

// Meta is the part of a task shared by every domain.
type Meta struct {
	ID         string
	Async      bool
	InProgress string
	Cancel     string
}

func (m Meta) ProcessID() string         { return m.ID }
func (m Meta) IsAsync() bool             { return m.Async }
func (m Meta) InProgressMessage() string { return m.InProgress }
func (m Meta) CancelMessage() string     { return m.Cancel }

// Result is what a domain service returns on success.
type Result struct {
	Message string
	Payload any
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
