package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"time"
)

// MockOpener はテスト用のモックOpener実装
// 実機がなくても小さなJPEGを返す
type MockOpener struct {
	mu sync.Mutex

	// テスト制御用
	openErr      error
	warmupErr    error
	captureErr   error
	captureDelay time.Duration
	failCaptures int // 残りの失敗回数 (負なら常に失敗)

	opens    int
	closes   int
	captures int
	live     int
}

// NewMockOpener は新しいMockOpenerを作成する
func NewMockOpener() *MockOpener {
	return &MockOpener{}
}

// SetOpenError はOpenが返すエラーを設定する (nilで成功)
func (m *MockOpener) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetWarmupError はWarmupが返すエラーを設定する
func (m *MockOpener) SetWarmupError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warmupErr = err
}

// SetCaptureError は次の n 回のCaptureを失敗させる
// n が負の場合は常に失敗する
func (m *MockOpener) SetCaptureError(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureErr = err
	m.failCaptures = n
}

// SetCaptureDelay はCapture1回あたりの所要時間を設定する
func (m *MockOpener) SetCaptureDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureDelay = d
}

// Opens はOpenが成功した回数を返す
func (m *MockOpener) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes はCloseされたハンドルの数を返す
func (m *MockOpener) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Captures はCaptureが成功した回数を返す
func (m *MockOpener) Captures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures
}

// OpenHandles は開いたままのハンドル数を返す
func (m *MockOpener) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Open はモックハンドルを返す
func (m *MockOpener) Open(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return nil, m.openErr
	}
	m.opens++
	m.live++
	return &mockHandle{owner: m}, nil
}

type mockHandle struct {
	owner *MockOpener

	mu     sync.Mutex
	closed bool
}

func (h *mockHandle) Warmup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	return h.owner.warmupErr
}

func (h *mockHandle) Capture(ctx context.Context) (Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Frame{}, errMockClosed
	}

	m := h.owner
	m.mu.Lock()
	delay := m.captureDelay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Frame{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captureErr != nil && m.failCaptures != 0 {
		if m.failCaptures > 0 {
			m.failCaptures--
		}
		return Frame{}, m.captureErr
	}
	m.captures++

	return Frame{Data: mockJPEG(), Format: FormatJPEG, CapturedAt: time.Now()}, nil
}

func (h *mockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	h.owner.closes++
	h.owner.live--
	return nil
}

var errMockClosed = errors.New("モックカメラは閉じられています")

var mockJPEG = sync.OnceValue(func() []byte {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * y)})
		}
	}
	data, err := encodeJPEG(img, 75)
	if err != nil {
		panic(err)
	}
	return data
})
