package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"camrec/internal/camera"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSink はテスト用のメモリ上の保存先
type memSink struct {
	mu     sync.Mutex
	frames []camera.Frame
	err    error
}

func (s *memSink) Save(frame camera.Frame) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.frames = append(s.frames, frame)
	return frame.CapturedAt.Format("150405.000") + ".jpg", nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// blockingHandle はreleaseされるまでCaptureから戻らないハンドル
type blockingHandle struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newBlockingHandle() *blockingHandle {
	return &blockingHandle{release: make(chan struct{}), entered: make(chan struct{})}
}

func (h *blockingHandle) Warmup(context.Context) error { return nil }

func (h *blockingHandle) Capture(context.Context) (camera.Frame, error) {
	h.once.Do(func() { close(h.entered) })
	<-h.release
	return camera.Frame{}, errors.New("released")
}

func (h *blockingHandle) Close() error { return nil }

// eventually は条件が満たされるまで待つ
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
