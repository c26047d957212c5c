package camera

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// commandRunner は外部コマンドを実行して標準出力と標準エラーを返す
type commandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// FFmpegOpener はffmpegを使ってV4L2デバイスから1枚ずつ画像を取得する
// デバイスを常時開いたままにしないため、他のアプリと共有しやすい
type FFmpegOpener struct {
	settings  Settings
	discovery Discovery
	logger    *slog.Logger
	run       commandRunner
}

// NewFFmpegOpener は新しいFFmpegOpenerを作成する
func NewFFmpegOpener(settings Settings, discovery Discovery, logger *slog.Logger) *FFmpegOpener {
	return &FFmpegOpener{
		settings:  settings,
		discovery: discovery,
		logger:    logger,
		run:       runCommand,
	}
}

// Open はデバイスを決定してハンドルを返す
func (o *FFmpegOpener) Open(ctx context.Context) (Handle, error) {
	device, err := resolveDevice(ctx, o.discovery, o.settings)
	if err != nil {
		return nil, err
	}

	o.logger.Info("ffmpegでカメラを使用します", "device", device)
	return &ffmpegHandle{
		device:   device,
		settings: o.settings,
		logger:   o.logger,
		run:      o.run,
	}, nil
}

type ffmpegHandle struct {
	device   string
	settings Settings
	logger   *slog.Logger
	run      commandRunner

	mu     sync.Mutex
	closed bool
}

// Warmup はテストキャプチャを行い、デバイスが応答することを確認する
func (h *ffmpegHandle) Warmup(ctx context.Context) error {
	if _, err := h.Capture(ctx); err != nil {
		return fmt.Errorf("テストキャプチャに失敗: %w", err)
	}
	return nil
}

// Capture は1フレームをキャプチャしてJPEGとして返す
func (h *ffmpegHandle) Capture(ctx context.Context) (Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return Frame{}, fmt.Errorf("デバイス %s は閉じられています", h.device)
	}

	timeout := h.settings.FrameTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	captureCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, err := h.run(captureCtx, "ffmpeg", h.args()...)
	capturedAt := time.Now()
	if err != nil {
		return Frame{}, fmt.Errorf("JPEGフレームキャプチャに失敗: %w (stderr: %s)", err, bytes.TrimSpace(stderr))
	}
	if len(stdout) == 0 {
		return Frame{}, fmt.Errorf("ffmpegの出力が空です: %s", h.device)
	}

	return Frame{Data: stdout, Format: FormatJPEG, CapturedAt: capturedAt}, nil
}

// Close はハンドルを無効にする
func (h *ffmpegHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *ffmpegHandle) args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", h.settings.Width, h.settings.Height),
		"-i", h.device,
		"-vframes", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(qscale(h.settings.JPEGQuality)),
		"-",
	}
}

// qscale はJPEG品質 (1-100) をffmpegのqscale (31-2, 小さいほど高品質) に変換する
func qscale(quality int) int {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return 2 + (100-quality)*29/99
}
