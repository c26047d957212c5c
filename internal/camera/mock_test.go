package camera

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"testing"
	"time"
)

func TestMockOpener(t *testing.T) {
	ctx := context.Background()
	opener := NewMockOpener()

	h, err := opener.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := h.Warmup(ctx); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	frame, err := h.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(frame.Data)); err != nil {
		t.Errorf("モックのフレームがJPEGではありません: %v", err)
	}

	if opener.OpenHandles() != 1 {
		t.Errorf("Expected 1 open handle, got %d", opener.OpenHandles())
	}

	// 二重Closeは一度だけ数える
	_ = h.Close()
	_ = h.Close()
	if opener.Closes() != 1 || opener.OpenHandles() != 0 {
		t.Errorf("Expected 1 close and 0 open handles, got %d/%d", opener.Closes(), opener.OpenHandles())
	}

	if _, err := h.Capture(ctx); err == nil {
		t.Error("Expected error after close")
	}
}

func TestMockOpener_Failures(t *testing.T) {
	ctx := context.Background()
	opener := NewMockOpener()
	busy := errors.New("device busy")

	opener.SetOpenError(busy)
	if _, err := opener.Open(ctx); !errors.Is(err, busy) {
		t.Errorf("Expected busy error, got %v", err)
	}

	opener.SetOpenError(nil)
	h, err := opener.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = h.Close() }()

	opener.SetCaptureError(busy, 2)
	for i := 0; i < 2; i++ {
		if _, err := h.Capture(ctx); err == nil {
			t.Errorf("capture %d: expected error", i)
		}
	}
	if _, err := h.Capture(ctx); err != nil {
		t.Errorf("3回目は成功するはずです: %v", err)
	}
	if opener.Captures() != 1 {
		t.Errorf("Expected 1 capture, got %d", opener.Captures())
	}
}

func TestMockOpener_CaptureDelayCancel(t *testing.T) {
	opener := NewMockOpener()
	opener.SetCaptureDelay(time.Second)

	h, err := opener.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := h.Capture(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("キャンセル後もキャプチャが続いています")
	}
}

func TestOpenerFactory(t *testing.T) {
	factory := NewOpenerFactory()

	backends := factory.SupportedBackends()
	if len(backends) != 3 {
		t.Fatalf("Expected 3 backends, got %v", backends)
	}

	opener, err := factory.Create(BackendMock, Settings{}, nil, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, ok := opener.(*MockOpener); !ok {
		t.Errorf("Expected *MockOpener, got %T", opener)
	}

	if _, err := factory.Create("opencv", Settings{}, nil, nil); err == nil {
		t.Error("未対応のバックエンドでエラーが発生しませんでした")
	}
}
