package camera

import (
	"fmt"
	"log/slog"
	"sort"
)

// Backend はカメラ制御方式の種類
type Backend string

const (
	BackendV4L2   Backend = "v4l2"   // github.com/blackjack/webcam
	BackendFFmpeg Backend = "ffmpeg" // ffmpegコマンド
	BackendMock   Backend = "mock"   // 実機なしの動作確認用
)

// OpenerCreator はOpener作成関数の型
type OpenerCreator func(settings Settings, discovery Discovery, logger *slog.Logger) (Opener, error)

// OpenerFactory はバックエンド名からOpenerを作る
type OpenerFactory struct {
	creators map[Backend]OpenerCreator
}

// NewOpenerFactory は標準のバックエンドを登録したファクトリーを作成する
func NewOpenerFactory() *OpenerFactory {
	factory := &OpenerFactory{
		creators: make(map[Backend]OpenerCreator),
	}

	factory.Register(BackendV4L2, func(s Settings, d Discovery, l *slog.Logger) (Opener, error) {
		return NewV4L2Opener(s, d, l), nil
	})
	factory.Register(BackendFFmpeg, func(s Settings, d Discovery, l *slog.Logger) (Opener, error) {
		return NewFFmpegOpener(s, d, l), nil
	})
	factory.Register(BackendMock, func(_ Settings, _ Discovery, _ *slog.Logger) (Opener, error) {
		return NewMockOpener(), nil
	})

	return factory
}

// Register はOpener作成関数を登録する
func (f *OpenerFactory) Register(backend Backend, creator OpenerCreator) {
	f.creators[backend] = creator
}

// Create はOpenerを作成する
func (f *OpenerFactory) Create(backend Backend, settings Settings, discovery Discovery, logger *slog.Logger) (Opener, error) {
	creator, exists := f.creators[backend]
	if !exists {
		return nil, fmt.Errorf("サポートされていないバックエンド: %s", backend)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if discovery == nil {
		discovery = NewLinuxDiscovery()
	}

	return creator(settings, discovery, logger)
}

// SupportedBackends はサポートされているバックエンド名を返す
func (f *OpenerFactory) SupportedBackends() []Backend {
	backends := make([]Backend, 0, len(f.creators))
	for b := range f.creators {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
	return backends
}
