//go:build linux

package camera

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/blackjack/webcam"
)

func TestSelectPixelFormat(t *testing.T) {
	testCases := []struct {
		name      string
		formats   map[webcam.PixelFormat]string
		want      webcam.PixelFormat
		expectErr bool
	}{
		{
			name:    "MJPEGを優先",
			formats: map[webcam.PixelFormat]string{pixFmtYUYV: "YUYV 4:2:2", pixFmtMJPEG: "Motion-JPEG"},
			want:    pixFmtMJPEG,
		},
		{
			name:    "説明文でMJPEGを判定",
			formats: map[webcam.PixelFormat]string{0x47504A50: "Motion-JPEG (PJPG)"},
			want:    0x47504A50,
		},
		{
			name:    "YUYVのみ",
			formats: map[webcam.PixelFormat]string{pixFmtYUYV: "YUYV 4:2:2"},
			want:    pixFmtYUYV,
		},
		{
			name:      "非対応",
			formats:   map[webcam.PixelFormat]string{0x59455247: "8-bit Greyscale"},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := selectPixelFormat(tc.formats)
			if tc.expectErr {
				if err == nil {
					t.Error("エラーが期待されましたが、エラーが発生しませんでした")
				}
				return
			}
			if err != nil {
				t.Fatalf("予期しないエラー: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %08x, want %08x", got, tc.want)
			}
		})
	}
}

func TestPixelFormatName(t *testing.T) {
	if got := pixelFormatName(pixFmtMJPEG); got != "MJPG" {
		t.Errorf("got %s, want MJPG", got)
	}
	if got := pixelFormatName(pixFmtYUYV); got != "YUYV" {
		t.Errorf("got %s, want YUYV", got)
	}
}

// fakeFrameSource はmmapバッファを模したフレーム供給源
// ReleaseFrame されたバッファはドライバが再利用したものとして上書きする
type fakeFrameSource struct {
	ready    []uint32 // 読み出し可能なバッファ番号 (古い順)
	buffers  [][]byte
	fresh    []byte // 待つと届く新しいフレーム
	waitErr  error
	released []uint32
	waits    []uint32
	closed   bool
}

func newFakeFrameSource(stale []string, fresh string) *fakeFrameSource {
	f := &fakeFrameSource{fresh: []byte(fresh)}
	for _, s := range stale {
		f.buffers = append(f.buffers, []byte(s))
		f.ready = append(f.ready, uint32(len(f.buffers)-1))
	}
	return f
}

func (f *fakeFrameSource) WaitForFrame(timeout uint32) error {
	f.waits = append(f.waits, timeout)
	if f.waitErr != nil {
		return f.waitErr
	}
	if len(f.ready) > 0 {
		return nil
	}
	if timeout == 0 || f.fresh == nil {
		return &webcam.Timeout{}
	}
	f.buffers = append(f.buffers, append([]byte(nil), f.fresh...))
	f.ready = append(f.ready, uint32(len(f.buffers)-1))
	return nil
}

func (f *fakeFrameSource) GetFrame() ([]byte, uint32, error) {
	if len(f.ready) == 0 {
		return nil, 0, errors.New("no buffer")
	}
	index := f.ready[0]
	f.ready = f.ready[1:]
	return f.buffers[index], index, nil
}

func (f *fakeFrameSource) ReleaseFrame(index uint32) error {
	f.released = append(f.released, index)
	buf := f.buffers[index]
	for i := range buf {
		buf[i] = 0xEE
	}
	return nil
}

func (f *fakeFrameSource) StopStreaming() error { return nil }

func (f *fakeFrameSource) Close() error {
	f.closed = true
	return nil
}

func newTestV4L2Handle(src frameSource) *v4l2Handle {
	return &v4l2Handle{
		cam:      src,
		device:   "/dev/video0",
		format:   pixFmtMJPEG,
		width:    2,
		height:   2,
		settings: Settings{FrameTimeout: 0, JPEGQuality: 90},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestV4L2Handle_CaptureSkipsStaleFrames(t *testing.T) {
	src := newFakeFrameSource([]string{"old-1", "old-2", "old-3"}, "fresh")
	h := newTestV4L2Handle(src)

	frame, err := h.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if string(frame.Data) != "fresh" {
		t.Errorf("古いフレームが返されました: %q", frame.Data)
	}
	if len(src.released) != 4 {
		t.Errorf("すべてのバッファが返却されていません: %v", src.released)
	}
	if len(src.ready) != 0 {
		t.Errorf("読み出されていないバッファがあります: %v", src.ready)
	}
}

func TestV4L2Handle_CopyBeforeRelease(t *testing.T) {
	src := newFakeFrameSource(nil, "\xff\xd8frame\xff\xd9")
	h := newTestV4L2Handle(src)

	frame, err := h.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if string(frame.Data) != "\xff\xd8frame\xff\xd9" {
		t.Errorf("返却後に上書きされたバッファが返されました: %x", frame.Data)
	}
	if len(src.waits) < 2 || src.waits[len(src.waits)-1] != 1 {
		t.Errorf("新しいフレームを待っていません: %v", src.waits)
	}
}

func TestV4L2Handle_Timeout(t *testing.T) {
	src := newFakeFrameSource(nil, "")
	src.fresh = nil
	h := newTestV4L2Handle(src)

	if _, err := h.Capture(context.Background()); err == nil {
		t.Error("タイムアウトのエラーが期待されました")
	}
}

func TestV4L2Handle_WaitError(t *testing.T) {
	src := newFakeFrameSource(nil, "fresh")
	src.waitErr = errors.New("device gone")
	h := newTestV4L2Handle(src)

	if _, err := h.Capture(context.Background()); err == nil {
		t.Error("エラーが期待されました")
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !src.closed {
		t.Error("デバイスが閉じられていません")
	}
	if _, err := h.Capture(context.Background()); err == nil {
		t.Error("Close後のCaptureでエラーが発生しませんでした")
	}
}
