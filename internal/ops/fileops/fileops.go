// Package fileops executes file tasks inside a workspace root.
package fileops

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/ductile-worker/internal/task"
	"github.com/mattjoyce/ductile-worker/internal/workspace"
)

// MaxReadBytes bounds the content returned by a read.
const MaxReadBytes = 1 << 20

var ErrTooLarge = errors.New("file too large to read")

type Service struct {
	root *workspace.Root
}

func New(root *workspace.Root) *Service {
	return &Service{root: root}
}

// Entry is one item of a directory listing.
type Entry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
	Mode string `json:"mode"`
}

// Execute implements dispatch.Service[task.FileTask].
func (s *Service) Execute(ctx context.Context, t task.FileTask) (task.Result, error) {
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}
	path, err := s.root.Resolve(t.Path)
	if err != nil {
		return task.Result{}, err
	}
	rel := s.root.Rel(path)

	switch t.Op {
	case task.FileRead:
		content, err := read(path)
		if err != nil {
			return task.Result{}, err
		}
		return task.Result{
			Message: fmt.Sprintf("Read %d bytes from %s", len(content), rel),
			Payload: map[string]any{"path": rel, "content": string(content)},
		}, nil

	case task.FileWrite:
		n, err := write(path, t.Content, t.Append)
		if err != nil {
			return task.Result{}, err
		}
		return task.Result{
			Message: fmt.Sprintf("Wrote %d bytes to %s", n, rel),
			Payload: map[string]any{"path": rel, "bytes": n},
		}, nil

	case task.FileDelete:
		if path == s.root.Dir() {
			return task.Result{}, fmt.Errorf("refusing to delete workspace root")
		}
		if err := os.RemoveAll(path); err != nil {
			return task.Result{}, fmt.Errorf("delete %s: %w", rel, err)
		}
		return task.Result{Message: "Deleted " + rel, Payload: map[string]any{"path": rel}}, nil

	case task.FileList:
		entries, err := list(path)
		if err != nil {
			return task.Result{}, err
		}
		return task.Result{
			Message: fmt.Sprintf("%d entries in %s", len(entries), rel),
			Payload: map[string]any{"path": rel, "entries": entries},
		}, nil

	case task.FileChecksum:
		sum, size, err := checksum(path)
		if err != nil {
			return task.Result{}, err
		}
		return task.Result{
			Message: "blake3:" + sum,
			Payload: map[string]any{"path": rel, "blake3": sum, "size": size},
		}, nil
	}
	return task.Result{}, fmt.Errorf("%w: file %q", task.ErrUnknownOperation, t.Op)
}

func read(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filepath.Base(path))
	}
	if info.Size() > MaxReadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	return os.ReadFile(path)
}

func write(path string, content []byte, appendMode bool) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func list(path string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entries = append(entries, Entry{
			Name: de.Name(),
			Dir:  de.IsDir(),
			Size: info.Size(),
			Mode: info.Mode().String(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
