package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// 環境変数名
const (
	EnvInterval  = "CAMREC_INTERVAL"
	EnvOutputDir = "CAMREC_OUTPUT_DIR"
	EnvDevice    = "CAMREC_DEVICE"
	EnvBackend   = "CAMREC_BACKEND"
	EnvPipe      = "CAMREC_PIPE"
	EnvPIDFile   = "CAMREC_PIDFILE"
	EnvHTTPAddr  = "CAMREC_HTTP_ADDR"
	EnvLogLevel  = "CAMREC_LOG_LEVEL"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Capture CaptureConfig `yaml:"capture" toml:"capture"`
	Camera  CameraConfig  `yaml:"camera" toml:"camera"`
	Control ControlConfig `yaml:"control" toml:"control"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Log     LogConfig     `yaml:"log" toml:"log"`
}

// CaptureConfig は撮影スケジュールと保存先の設定
// 起動時に一度だけ決定され、実行中は変更されない
type CaptureConfig struct {
	Interval  Duration `yaml:"interval" toml:"interval" validate:"gt=0"`                      // 撮影間隔
	OutputDir string   `yaml:"output_dir" toml:"output_dir" validate:"required"`              // 保存ディレクトリ
	DeviceTag string   `yaml:"device_tag" toml:"device_tag" validate:"required,excludesall=/"` // ファイル名の接頭辞

	// 連続してこの回数キャプチャに失敗したら録画を止めてIdleに戻る
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" toml:"max_consecutive_failures" validate:"gte=1"`

	// 停止時に実行中のキャプチャを待つ猶予
	StopGrace Duration `yaml:"stop_grace" toml:"stop_grace" validate:"gt=0"`
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend string `yaml:"backend" toml:"backend" validate:"oneof=v4l2 ffmpeg mock"`
	Device  string `yaml:"device" toml:"device"` // デバイスパス (空なら自動検出)
	Match   string `yaml:"match" toml:"match"`   // 自動検出時にudev情報と照合する文字列

	Width  int `yaml:"width" toml:"width" validate:"gt=0"`
	Height int `yaml:"height" toml:"height" validate:"gt=0"`

	// ウォームアップ（露出・ホワイトバランスの安定待ち）
	WarmupFrames int      `yaml:"warmup_frames" toml:"warmup_frames" validate:"gte=0"`
	WarmupDelay  Duration `yaml:"warmup_delay" toml:"warmup_delay" validate:"gte=0"`

	FrameTimeout Duration `yaml:"frame_timeout" toml:"frame_timeout" validate:"gt=0"`
	JPEGQuality  int      `yaml:"jpeg_quality" toml:"jpeg_quality" validate:"min=1,max=100"`
}

// ControlConfig はコマンドチャンネルとPIDファイルの設定
type ControlConfig struct {
	PipePath     string   `yaml:"pipe" toml:"pipe" validate:"required"`
	PIDFile      string   `yaml:"pid_file" toml:"pid_file" validate:"required"`
	ReplyTimeout Duration `yaml:"reply_timeout" toml:"reply_timeout" validate:"gt=0"`
}

// ServerConfig はHTTP制御インターフェースの設定
// Addr が空の場合は起動しない
type ServerConfig struct {
	Addr         string   `yaml:"addr" toml:"addr" validate:"omitempty,hostname_port"`
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gte=0"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout" validate:"gte=0"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Interval:               Seconds(1),
			OutputDir:              "recordings",
			DeviceTag:              "dh_usb",
			MaxConsecutiveFailures: 3,
			StopGrace:              Seconds(3),
		},
		Camera: CameraConfig{
			Backend:      "v4l2",
			Match:        "DH",
			Width:        1920,
			Height:       1080,
			WarmupFrames: 30,
			WarmupDelay:  Seconds(3),
			FrameTimeout: Seconds(5),
			JPEGQuality:  95,
		},
		Control: ControlConfig{
			PipePath:     filepath.Join(os.TempDir(), "camrec.pipe"),
			PIDFile:      filepath.Join(os.TempDir(), "camrec.pid"),
			ReplyTimeout: Seconds(5),
		},
		Server: ServerConfig{
			ReadTimeout:  Seconds(10),
			WriteTimeout: Seconds(10),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込んで検証する
// デフォルト値 < 設定ファイル < 環境変数 の順で上書きする
// path が空の場合は設定ファイルを読まない
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Read は Load と同じ順で設定を読み込むが、検証はしない
// コマンドラインの指定で上書きしてから Validate を呼ぶ場合に使う
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile は拡張子に応じてYAMLまたはTOMLの設定ファイルを読み込む
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("YAMLの解析に失敗 (%s): %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("TOMLの解析に失敗 (%s): %w", path, err)
		}
	default:
		return fmt.Errorf("サポートされていない設定ファイル形式: %s", ext)
	}

	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() error {
	if value := os.Getenv(EnvInterval); value != "" {
		d, err := ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s が不正です: %w", EnvInterval, err)
		}
		c.Capture.Interval = d
	}

	c.Capture.OutputDir = getEnvOrDefault(EnvOutputDir, c.Capture.OutputDir)
	c.Camera.Device = getEnvOrDefault(EnvDevice, c.Camera.Device)
	c.Camera.Backend = getEnvOrDefault(EnvBackend, c.Camera.Backend)
	c.Control.PipePath = getEnvOrDefault(EnvPipe, c.Control.PipePath)
	c.Control.PIDFile = getEnvOrDefault(EnvPIDFile, c.Control.PIDFile)
	c.Server.Addr = getEnvOrDefault(EnvHTTPAddr, c.Server.Addr)
	c.Log.Level = getEnvOrDefault(EnvLogLevel, c.Log.Level)

	return nil
}

// Validate は設定の妥当性を検証する
// リソースには一切触れない
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("設定の検証に失敗: %w", err)
	}

	if filepath.Clean(c.Control.PipePath) == filepath.Clean(c.Control.PIDFile) {
		return fmt.Errorf("設定の検証に失敗: パイプとPIDファイルに同じパスが指定されています: %s", c.Control.PipePath)
	}

	return nil
}

// HTTPEnabled はHTTP制御インターフェースを起動するかを返す
func (c *Config) HTTPEnabled() bool {
	return c.Server.Addr != ""
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
