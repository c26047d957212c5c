//go:build !linux

package camera

import (
	"context"
	"errors"
	"log/slog"
)

// V4L2Opener はLinux以外では利用できない
type V4L2Opener struct{}

// NewV4L2Opener は常に失敗するOpenerを返す
func NewV4L2Opener(_ Settings, _ Discovery, _ *slog.Logger) *V4L2Opener {
	return &V4L2Opener{}
}

// Open は常にエラーを返す
func (o *V4L2Opener) Open(_ context.Context) (Handle, error) {
	return nil, errors.New("V4L2バックエンドはLinuxでのみ利用できます")
}
