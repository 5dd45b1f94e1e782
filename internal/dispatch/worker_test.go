package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ductile-worker/internal/process"
	"github.com/mattjoyce/ductile-worker/internal/task"
)

func startWorker[T task.Task](t *testing.T, w *Worker[T]) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop after cancel")
		}
	})
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for item")
	}
}

func TestWorker_FIFOUnderConcurrentSubmission(t *testing.T) {
	f := newFixture(1000)

	var mu sync.Mutex
	var executed []string
	svc := ServiceFunc[task.GitTask](func(_ context.Context, gt task.GitTask) (task.Result, error) {
		mu.Lock()
		executed = append(executed, gt.ProcessID())
		mu.Unlock()
		return task.Result{}, nil
	})
	w := NewWorker(task.DomainGit, NewDispatcher[task.GitTask](svc, f.deps()))

	// Record enqueue order under a lock so concurrent producers have a
	// well-defined order to compare against.
	var enqMu sync.Mutex
	var enqueued []string
	var items []Item[task.GitTask]
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				gt := f.gitTask(t, "status", task.GitRequest{Dir: "repo"})
				enqMu.Lock()
				items = append(items, w.Enqueue(gt))
				enqueued = append(enqueued, gt.ProcessID())
				enqMu.Unlock()
			}
		}()
	}
	wg.Wait()

	startWorker(t, w)
	for _, item := range items {
		waitDone(t, item.Done())
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, enqueued, executed)
}

func TestWorker_NeverRunsTwoTasksOfOneDomainAtOnce(t *testing.T) {
	f := newFixture(100)

	var running, maxRunning atomic.Int32
	svc := ServiceFunc[task.GitTask](func(context.Context, task.GitTask) (task.Result, error) {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return task.Result{}, nil
	})
	w := NewWorker(task.DomainGit, NewDispatcher[task.GitTask](svc, f.deps()))
	startWorker(t, w)

	var items []Item[task.GitTask]
	for range 10 {
		items = append(items, w.Enqueue(f.gitTask(t, "pull", task.GitRequest{Dir: "repo"})))
	}
	for _, item := range items {
		waitDone(t, item.Done())
	}
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestWorker_SurvivesFailingTasks(t *testing.T) {
	f := newFixture(100)

	svc := ServiceFunc[task.GitTask](func(_ context.Context, gt task.GitTask) (task.Result, error) {
		switch gt.Op {
		case task.GitPush:
			return task.Result{}, errors.New("push rejected")
		case task.GitPull:
			panic("corrupt index")
		}
		return task.Result{Message: "clean"}, nil
	})
	w := NewWorker(task.DomainGit, NewDispatcher[task.GitTask](svc, f.deps()))
	startWorker(t, w)

	push := w.Enqueue(f.gitTask(t, "push", task.GitRequest{Dir: "repo"}))
	pull := w.Enqueue(f.gitTask(t, "pull", task.GitRequest{Dir: "repo"}))
	status := w.Enqueue(f.gitTask(t, "status", task.GitRequest{Dir: "repo"}))
	waitDone(t, status.Done())

	want := map[string]process.Status{
		push.Task.ProcessID():   process.StatusError,
		pull.Task.ProcessID():   process.StatusError,
		status.Task.ProcessID(): process.StatusSuccess,
	}
	for id, st := range want {
		rec, err := f.registry.Status(id, "git")
		require.NoError(t, err)
		assert.Equal(t, st, rec.Status, id)
	}
}

func TestWorker_CancelledItemIsSkippedAndReleased(t *testing.T) {
	f := newFixture(100)

	release := make(chan struct{})
	var calls atomic.Int32
	svc := ServiceFunc[task.GitTask](func(context.Context, task.GitTask) (task.Result, error) {
		calls.Add(1)
		<-release
		return task.Result{}, nil
	})
	w := NewWorker(task.DomainGit, NewDispatcher[task.GitTask](svc, f.deps()))
	startWorker(t, w)

	first := w.Enqueue(f.gitTask(t, "pull", task.GitRequest{Dir: "repo"}))
	second := w.Enqueue(f.gitTask(t, "pull", task.GitRequest{Dir: "repo"}))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err := f.registry.Cancel(second.Task.ProcessID())
	require.NoError(t, err)

	_, err = f.registry.Cancel(first.Task.ProcessID())
	assert.ErrorIs(t, err, process.ErrNotCancellable)

	close(release)
	waitDone(t, first.Done())
	waitDone(t, second.Done())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, w.Pending())
}
