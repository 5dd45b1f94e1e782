package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDomain(t *testing.T) {
	for _, d := range Domains {
		got, err := ParseDomain(string(d))
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDomain("docker")
	assert.ErrorIs(t, err, ErrUnknownDomain)
}

func TestNewGitTask(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		req     GitRequest
		wantErr error
	}{
		{"clone", "clone", GitRequest{RepoURL: "https://example.com/r.git", AsyncRequest: true}, nil},
		{"clone without url", "clone", GitRequest{}, ErrInvalidRequest},
		{"checkout", "checkout", GitRequest{Dir: "r", Ref: "main"}, nil},
		{"checkout without ref", "checkout", GitRequest{Dir: "r"}, ErrInvalidRequest},
		{"commit without message", "commit", GitRequest{Dir: "r"}, ErrInvalidRequest},
		{"pull without dir", "pull", GitRequest{}, ErrInvalidRequest},
		{"negative depth", "clone", GitRequest{RepoURL: "u", Depth: -1}, ErrInvalidRequest},
		{"unknown op", "rebase", GitRequest{Dir: "r"}, ErrUnknownOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewGitTask("p-1", tt.op, tt.req)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "p-1", got.ProcessID())
			assert.Equal(t, DomainGit, got.Domain())
			assert.Equal(t, tt.op, got.Operation())
			assert.Equal(t, tt.req.AsyncRequest, got.IsAsync())
			assert.NotEmpty(t, got.InProgressMessage())
			assert.NotEmpty(t, got.CancelMessage())
		})
	}
}

func TestNewGitTaskCopiesPaths(t *testing.T) {
	paths := []string{"a.go"}
	got, err := NewGitTask("p-1", "commit", GitRequest{Dir: "r", Message: "m", Paths: paths})
	require.NoError(t, err)
	paths[0] = "mutated"
	assert.Equal(t, []string{"a.go"}, got.Paths)
}

func TestNewFileTask(t *testing.T) {
	got, err := NewFileTask("p-2", "write", FileRequest{Path: "notes.txt", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got.Content)
	assert.Equal(t, "file.write", EventType(got))

	_, err = NewFileTask("p-2", "read", FileRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewFileTask("p-2", "read", FileRequest{Path: "a", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewFileTask("p-2", "list", FileRequest{})
	assert.NoError(t, err)

	_, err = NewFileTask("p-2", "chmod", FileRequest{Path: "a"})
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestNewBuildTask(t *testing.T) {
	env := map[string]string{"CGO_ENABLED": "0"}
	got, err := NewBuildTask("p-3", "run", BuildRequest{Tool: "make", Args: []string{"all"}, Env: env, TimeoutSecs: 30})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, got.Timeout)
	env["CGO_ENABLED"] = "1"
	assert.Equal(t, "0", got.Env["CGO_ENABLED"])

	_, err = NewBuildTask("p-3", "run", BuildRequest{Tool: "/bin/sh"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewBuildTask("p-3", "run", BuildRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewBuildTask("p-3", "deploy", BuildRequest{Tool: "make"})
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestOperations(t *testing.T) {
	assert.Equal(t, []string{"checkout", "clone", "commit", "pull", "push", "status"}, Operations(DomainGit))
	assert.Equal(t, []string{"checksum", "delete", "list", "read", "write"}, Operations(DomainFile))
	assert.Equal(t, []string{"clean", "run"}, Operations(DomainBuild))
	assert.Empty(t, Operations("docker"))
}
