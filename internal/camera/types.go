package camera

import (
	"context"
	"errors"
	"time"
)

// ErrNoDevice は利用可能なカメラデバイスが見つからない場合のエラー
var ErrNoDevice = errors.New("カメラデバイスが見つかりません")

// Format はフレームのエンコード形式を表す
type Format string

const (
	FormatJPEG Format = "jpeg" // JPEG画像
)

// Ext はファイル保存時の拡張子を返す
func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	default:
		return "bin"
	}
}

// Frame は1回の撮影で得られた画像データ
// 保持せずにすぐ保存される
type Frame struct {
	Data       []byte    // エンコード済み画像データ
	Format     Format    // エンコード形式
	CapturedAt time.Time // 取得時刻（ミリ秒精度でファイル名に使う）
}

// Handle は開かれたカメラデバイスの制御を担うインターフェース
// 同時に一つのゴルーチンからのみ使われる
type Handle interface {
	// Warmup は露出やホワイトバランスが安定するまでフレームを読み捨てる
	Warmup(ctx context.Context) error

	// Capture は1フレームを取得する
	Capture(ctx context.Context) (Frame, error)

	// Close はデバイスを解放する
	Close() error
}

// Opener はカメラデバイスを開く
type Opener interface {
	// Open はデバイスを開いてストリーミングを開始する
	// デバイスが使用中の場合はエラーを返す
	Open(ctx context.Context) (Handle, error)
}

// Settings はカメラの設定を表す
type Settings struct {
	Device       string        // デバイスパス（空なら自動検出）
	Match        string        // 自動検出時にudev情報と照合する文字列
	Width        int           // 画像幅
	Height       int           // 画像高さ
	WarmupFrames int           // ウォームアップで読み捨てるフレーム数
	FrameTimeout time.Duration // 1フレーム待ちのタイムアウト
	JPEGQuality  int           // JPEG品質 (1-100)
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// FindDevice はudev情報に match を含むデバイスを探す
	FindDevice(ctx context.Context, match string) (string, error)
}
