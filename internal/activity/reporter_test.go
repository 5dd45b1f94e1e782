package activity

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/ductile-worker/internal/activity/mocks"
	"github.com/mattjoyce/ductile-worker/internal/events"
)

type testLogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *testLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *testLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSlogger() (*slog.Logger, *testLogBuffer) {
	buf := &testLogBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type stubSource struct {
	mu    sync.Mutex
	state State
}

func (s *stubSource) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state}
}

func (s *stubSource) set(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func TestReporterCheckRunningDoesNotNotify(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	notifier := mocks.NewMockNotifier(ctrl)
	logger, _ := newTestSlogger()
	r := NewReporter(&stubSource{state: StateRunning}, notifier, nil, "i-123", time.Second, logger)

	assert.False(t, r.check(context.Background()))
	assert.False(t, r.Notified())
}

func TestReporterCheckRetriesUntilSent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	notifier := mocks.NewMockNotifier(ctrl)
	logger, logBuf := newTestSlogger()
	hub := events.NewHub(8)
	ch, cancel := hub.Subscribe(events.Filter{EventPendingShutdown})
	defer cancel()

	r := NewReporter(&stubSource{state: StatePendingShutdown}, notifier, hub, "i-123", time.Second, logger)
	ctx := context.Background()

	gomock.InOrder(
		notifier.EXPECT().Notify(gomock.Any(), "i-123").Return(errors.New("connection refused")),
		notifier.EXPECT().Notify(gomock.Any(), "i-123").Return(nil),
	)

	assert.False(t, r.check(ctx))
	assert.Contains(t, logBuf.String(), "will retry")
	assert.True(t, r.check(ctx))
	assert.True(t, r.Notified())

	// No further calls once notified.
	assert.True(t, r.check(ctx))

	select {
	case ev := <-ch:
		assert.Equal(t, EventPendingShutdown, ev.Type)
		assert.Contains(t, string(ev.Data), `"instance_id":"i-123"`)
	case <-time.After(time.Second):
		t.Fatal("expected pending shutdown event")
	}
}

func TestReporterLoopFiresOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	notifier := mocks.NewMockNotifier(ctrl)
	logger, _ := newTestSlogger()
	source := &stubSource{state: StateRunning}
	r := NewReporter(source, notifier, nil, "i-9", 5*time.Millisecond, logger)

	sent := make(chan struct{})
	notifier.EXPECT().Notify(gomock.Any(), "i-9").DoAndReturn(func(context.Context, string) error {
		close(sent)
		return nil
	}).Times(1)

	r.Start(context.Background())
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	source.set(StatePendingShutdown)

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter never notified")
	}
	assert.Eventually(t, r.Notified, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
}

func TestReporterStopsOnContextCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	notifier := mocks.NewMockNotifier(ctrl)
	logger, _ := newTestSlogger()
	r := NewReporter(&stubSource{state: StateRunning}, notifier, nil, "i-1", 5*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop")
	}
}
