//go:build linux

package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"
)

const (
	pixFmtMJPEG = webcam.PixelFormat(0x47504A4D) // MJPG
	pixFmtYUYV  = webcam.PixelFormat(0x56595559) // YUYV

	v4l2BufferCount = 4
)

// V4L2Opener はV4L2のmmapストリーミングでカメラを開く
type V4L2Opener struct {
	settings  Settings
	discovery Discovery
	logger    *slog.Logger
}

// NewV4L2Opener は新しいV4L2Openerを作成する
func NewV4L2Opener(settings Settings, discovery Discovery, logger *slog.Logger) *V4L2Opener {
	return &V4L2Opener{
		settings:  settings,
		discovery: discovery,
		logger:    logger,
	}
}

// Open はデバイスを開き、フォーマットを設定してストリーミングを開始する
// MJPEGが使えればそのまま保存し、なければYUYVをJPEGに変換する
func (o *V4L2Opener) Open(ctx context.Context) (Handle, error) {
	device, err := resolveDevice(ctx, o.discovery, o.settings)
	if err != nil {
		return nil, err
	}

	cam, err := webcam.Open(device)
	if err != nil {
		return nil, fmt.Errorf("カメラ %s を開けません: %w", device, err)
	}

	h, err := o.configure(cam, device)
	if err != nil {
		_ = cam.Close()
		return nil, err
	}
	return h, nil
}

func (o *V4L2Opener) configure(cam *webcam.Webcam, device string) (*v4l2Handle, error) {
	format, err := selectPixelFormat(cam.GetSupportedFormats())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", device, err)
	}

	f, w, h, err := cam.SetImageFormat(format, uint32(o.settings.Width), uint32(o.settings.Height))
	if err != nil {
		return nil, fmt.Errorf("画像フォーマットの設定に失敗 (%s): %w", device, err)
	}
	if int(w) != o.settings.Width || int(h) != o.settings.Height {
		o.logger.Warn("要求と異なる解像度が設定されました",
			"device", device,
			"requested", fmt.Sprintf("%dx%d", o.settings.Width, o.settings.Height),
			"actual", fmt.Sprintf("%dx%d", w, h))
	}

	cam.SetBufferCount(v4l2BufferCount)
	// 非対応のカメラもあるため結果は見ない
	cam.SetAutoWhiteBalance(true)

	if err := cam.StartStreaming(); err != nil {
		return nil, fmt.Errorf("ストリーミングの開始に失敗 (%s): %w", device, err)
	}

	o.logger.Info("カメラを開きました",
		"device", device,
		"format", pixelFormatName(f),
		"size", fmt.Sprintf("%dx%d", w, h))

	return &v4l2Handle{
		cam:      cam,
		device:   device,
		format:   f,
		width:    int(w),
		height:   int(h),
		settings: o.settings,
		logger:   o.logger,
	}, nil
}

// selectPixelFormat はMJPEGを優先してピクセルフォーマットを選ぶ
func selectPixelFormat(formats map[webcam.PixelFormat]string) (webcam.PixelFormat, error) {
	if _, ok := formats[pixFmtMJPEG]; ok {
		return pixFmtMJPEG, nil
	}
	for f, desc := range formats {
		if strings.HasPrefix(desc, "Motion-JPEG") {
			return f, nil
		}
	}
	if _, ok := formats[pixFmtYUYV]; ok {
		return pixFmtYUYV, nil
	}
	return 0, errors.New("MJPEGまたはYUYVに対応していません")
}

func pixelFormatName(f webcam.PixelFormat) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// frameSource は v4l2Handle が使う *webcam.Webcam の操作
type frameSource interface {
	WaitForFrame(timeout uint32) error
	GetFrame() ([]byte, uint32, error)
	ReleaseFrame(index uint32) error
	StopStreaming() error
	Close() error
}

type v4l2Handle struct {
	mu     sync.Mutex
	cam    frameSource
	closed bool

	device   string
	format   webcam.PixelFormat
	width    int
	height   int
	settings Settings
	logger   *slog.Logger
}

// Warmup は指定枚数のフレームを読み捨てる
// 途中で読めなくなった場合はそこで打ち切る
func (h *v4l2Handle) Warmup(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("デバイス %s は閉じられています", h.device)
	}

	for i := 0; i < h.settings.WarmupFrames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := h.readFrame(); err != nil {
			h.logger.Warn("ウォームアップ中にフレームを読めませんでした", "device", h.device, "frame", i, "error", err)
			break
		}
	}
	return nil
}

// Capture は1フレームを取得してJPEGとして返す
func (h *v4l2Handle) Capture(ctx context.Context) (Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return Frame{}, fmt.Errorf("デバイス %s は閉じられています", h.device)
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	raw, err := h.readFrame()
	if err != nil {
		return Frame{}, err
	}
	capturedAt := time.Now()

	if h.format == pixFmtYUYV {
		img, err := yuyvToImage(raw, h.width, h.height)
		if err != nil {
			return Frame{}, err
		}
		raw, err = encodeJPEG(img, h.settings.JPEGQuality)
		if err != nil {
			return Frame{}, err
		}
	}

	return Frame{Data: raw, Format: FormatJPEG, CapturedAt: capturedAt}, nil
}

// readFrame はキューにたまった古いフレームを捨ててから、次のフレームを待って読み出す
func (h *v4l2Handle) readFrame() ([]byte, error) {
	if err := h.drain(); err != nil {
		return nil, err
	}

	timeout := uint32(h.settings.FrameTimeout / time.Second)
	if timeout == 0 {
		timeout = 1
	}

	err := h.cam.WaitForFrame(timeout)
	var te *webcam.Timeout
	switch {
	case err == nil:
	case errors.As(err, &te):
		return nil, fmt.Errorf("フレーム待ちがタイムアウトしました (%s)", h.device)
	default:
		return nil, fmt.Errorf("フレーム待ちに失敗 (%s): %w", h.device, err)
	}

	return h.takeFrame()
}

// drain は既に読み出し可能なバッファをすべてドライバに返す
// 撮影間隔の間に溜まったフレームは古いため使わない
func (h *v4l2Handle) drain() error {
	for i := 0; i < v4l2BufferCount; i++ {
		err := h.cam.WaitForFrame(0)
		var te *webcam.Timeout
		switch {
		case err == nil:
		case errors.As(err, &te):
			return nil
		default:
			return fmt.Errorf("フレーム待ちに失敗 (%s): %w", h.device, err)
		}

		_, index, err := h.cam.GetFrame()
		if err != nil {
			return fmt.Errorf("フレームの読み出しに失敗 (%s): %w", h.device, err)
		}
		if err := h.cam.ReleaseFrame(index); err != nil {
			return fmt.Errorf("バッファの返却に失敗 (%s): %w", h.device, err)
		}
	}
	return nil
}

// takeFrame はバッファをコピーしてからドライバに返す
// 返却後のmmapバッファはドライバが上書きする
func (h *v4l2Handle) takeFrame() ([]byte, error) {
	frame, index, err := h.cam.GetFrame()
	if err != nil {
		return nil, fmt.Errorf("フレームの読み出しに失敗 (%s): %w", h.device, err)
	}
	data := bytes.Clone(frame)
	if err := h.cam.ReleaseFrame(index); err != nil {
		return nil, fmt.Errorf("バッファの返却に失敗 (%s): %w", h.device, err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("空のフレームを受信しました (%s)", h.device)
	}
	return data, nil
}

// Close はストリーミングを止めてデバイスを閉じる
func (h *v4l2Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if err := h.cam.StopStreaming(); err != nil {
		h.logger.Warn("ストリーミングの停止に失敗", "device", h.device, "error", err)
	}
	if err := h.cam.Close(); err != nil {
		return fmt.Errorf("カメラ %s のクローズに失敗: %w", h.device, err)
	}
	return nil
}
