package fileops

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/ductile-worker/internal/task"
	"github.com/mattjoyce/ductile-worker/internal/workspace"
)

func newService(t *testing.T) (*Service, *workspace.Root) {
	t.Helper()
	root, err := workspace.NewRoot(t.TempDir())
	require.NoError(t, err)
	return New(root), root
}

func fileTask(t *testing.T, op string, req task.FileRequest) task.FileTask {
	t.Helper()
	ft, err := task.NewFileTask("p-1", op, req)
	require.NoError(t, err)
	return ft
}

func TestWriteReadAppend(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()

	res, err := svc.Execute(ctx, fileTask(t, "write", task.FileRequest{Path: "notes/today.txt", Content: "hello"}))
	require.NoError(t, err)
	assert.Equal(t, "Wrote 5 bytes to notes/today.txt", res.Message)

	_, err = svc.Execute(ctx, fileTask(t, "write", task.FileRequest{Path: "notes/today.txt", Content: " world", Append: true}))
	require.NoError(t, err)

	res, err = svc.Execute(ctx, fileTask(t, "read", task.FileRequest{Path: "notes/today.txt"}))
	require.NoError(t, err)
	payload := res.Payload.(map[string]any)
	assert.Equal(t, "hello world", payload["content"])

	_, err = svc.Execute(ctx, fileTask(t, "write", task.FileRequest{Path: "notes/today.txt", Content: "reset"}))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root.Dir(), "notes", "today.txt"))
	require.NoError(t, err)
	assert.Equal(t, "reset", string(data))
}

func TestListAndDelete(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(root.Dir(), "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root.Dir(), "b.txt"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root.Dir(), "a.txt"), []byte("a"), 0o644))

	res, err := svc.Execute(ctx, fileTask(t, "list", task.FileRequest{}))
	require.NoError(t, err)
	entries := res.Payload.(map[string]any)["entries"].([]Entry)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, int64(2), entries[1].Size)
	assert.True(t, entries[2].Dir)

	_, err = svc.Execute(ctx, fileTask(t, "delete", task.FileRequest{Path: "src"}))
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root.Dir(), "src"))
}

func TestDeleteRootRefused(t *testing.T) {
	svc, root := newService(t)
	_, err := svc.Execute(context.Background(), fileTask(t, "delete", task.FileRequest{Path: "."}))
	assert.Error(t, err)
	assert.DirExists(t, root.Dir())
}

func TestChecksum(t *testing.T) {
	svc, root := newService(t)
	content := []byte("ductile worker checksum")
	require.NoError(t, os.WriteFile(filepath.Join(root.Dir(), "blob.bin"), content, 0o644))

	res, err := svc.Execute(context.Background(), fileTask(t, "checksum", task.FileRequest{Path: "blob.bin"}))
	require.NoError(t, err)

	sum := blake3.Sum256(content)
	want := hex.EncodeToString(sum[:])
	assert.Equal(t, "blake3:"+want, res.Message)
	assert.Equal(t, int64(len(content)), res.Payload.(map[string]any)["size"])
}

func TestReadErrors(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()

	_, err := svc.Execute(ctx, fileTask(t, "read", task.FileRequest{Path: "missing.txt"}))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = svc.Execute(ctx, fileTask(t, "read", task.FileRequest{Path: "../outside.txt"}))
	assert.ErrorIs(t, err, workspace.ErrOutsideRoot)

	big := make([]byte, MaxReadBytes+1)
	require.NoError(t, os.WriteFile(filepath.Join(root.Dir(), "big.bin"), big, 0o644))
	_, err = svc.Execute(ctx, fileTask(t, "read", task.FileRequest{Path: "big.bin"}))
	assert.ErrorIs(t, err, ErrTooLarge)
}
