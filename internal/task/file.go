package task

import (
	"fmt"
	"strings"
)

type FileOp string

const (
	FileRead     FileOp = "read"
	FileWrite    FileOp = "write"
	FileDelete   FileOp = "delete"
	FileList     FileOp = "list"
	FileChecksum FileOp = "checksum"
)

var fileOps = map[FileOp]struct{}{
	FileRead: {}, FileWrite: {}, FileDelete: {}, FileList: {}, FileChecksum: {},
}

type FileRequest struct {
	Path         string `json:"path"`
	Content      string `json:"content,omitempty"`
	Append       bool   `json:"append,omitempty"`
	AsyncRequest bool   `json:"asyncRequest"`
}

type FileTask struct {
	Meta
	Op      FileOp
	Path    string
	Content []byte
	Append  bool
}

func (FileTask) Domain() Domain      { return DomainFile }
func (t FileTask) Operation() string { return string(t.Op) }

func (req FileRequest) Validate(op string) error {
	fop := FileOp(op)
	if _, ok := fileOps[fop]; !ok {
		return fmt.Errorf("%w: file %q", ErrUnknownOperation, op)
	}
	if strings.TrimSpace(req.Path) == "" && fop != FileList {
		return invalid("path is required for %s", op)
	}
	if req.Content != "" && fop != FileWrite {
		return invalid("content is only accepted by write")
	}
	return nil
}

func NewFileTask(id, op string, req FileRequest) (FileTask, error) {
	if err := req.Validate(op); err != nil {
		return FileTask{}, err
	}
	fop := FileOp(op)
	path := strings.TrimSpace(req.Path)

	return FileTask{
		Meta: Meta{
			ID:         id,
			Async:      req.AsyncRequest,
			InProgress: fmt.Sprintf("Running file %s on %q", op, path),
			Cancel:     fmt.Sprintf("file %s cancelled before start", op),
		},
		Op:      fop,
		Path:    path,
		Content: []byte(req.Content),
		Append:  req.Append,
	}, nil
}
