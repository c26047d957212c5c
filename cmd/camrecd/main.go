// Package main は録画サービス camrecd の実装です
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"camrec/internal/camera"
	"camrec/internal/config"
	"camrec/internal/daemon"
	"camrec/internal/logging"
	"camrec/internal/registry"

	"github.com/gin-gonic/gin"
)

// 終了コード
const (
	exitOK      = 0
	exitRuntime = 1 // 多重起動・コマンドパイプの失敗など
	exitConfig  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		return exitConfig
	}

	cfg, err := opts.load()
	if err != nil {
		fmt.Fprintf(stderr, "設定の読み込みに失敗しました: %v\n", err)
		return exitConfig
	}

	logger := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	if err := daemon.New(cfg, logger).Run(context.Background()); err != nil {
		var running *registry.AlreadyRunningError
		if errors.As(err, &running) {
			logger.Error("録画サービスは既に起動しています", "pid", running.PID, "pidfile", cfg.Control.PIDFile)
		} else {
			logger.Error("録画サービスの実行に失敗しました", "error", err)
		}
		return exitRuntime
	}
	return exitOK
}

// options はコマンドラインで指定された値
// 指定されたものだけが設定ファイル・環境変数の値を上書きする
type options struct {
	configPath string
	interval   config.Duration
	outputDir  string
	device     string
	backend    string
	pipe       string
	pidFile    string
	warmup     config.Duration
	httpAddr   string
	logLevel   string

	set map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("camrecd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	defaults := config.Default()
	for _, name := range []string{"c", "config"} {
		fs.StringVar(&o.configPath, name, "", "設定ファイル (.yaml / .toml)")
	}
	for _, name := range []string{"i", "interval"} {
		fs.TextVar(&o.interval, name, defaults.Capture.Interval, "撮影間隔 (秒数または 1.5s 形式)")
	}
	for _, name := range []string{"o", "output-dir"} {
		fs.StringVar(&o.outputDir, name, "", "保存ディレクトリ (デフォルト: "+defaults.Capture.OutputDir+")")
	}
	fs.StringVar(&o.device, "device", "", "カメラデバイス (空なら自動検出)")
	fs.StringVar(&o.backend, "backend", "", fmt.Sprintf("カメラの制御方式 %v (デフォルト: %s)", camera.NewOpenerFactory().SupportedBackends(), defaults.Camera.Backend))
	fs.StringVar(&o.pipe, "pipe", "", "コマンドパイプのパス (デフォルト: "+defaults.Control.PipePath+")")
	fs.StringVar(&o.pidFile, "pidfile", "", "PIDファイルのパス (デフォルト: "+defaults.Control.PIDFile+")")
	fs.TextVar(&o.warmup, "warmup", defaults.Camera.WarmupDelay, "カメラを開いた後の安定待ち")
	fs.StringVar(&o.httpAddr, "http", "", "HTTP制御インターフェースのアドレス (例: 127.0.0.1:8080)")
	fs.StringVar(&o.logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "camrecd - USBカメラの定期撮影サービス")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "使用方法:")
		fmt.Fprintln(stderr, "  camrecd [オプション]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "オプション:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "不明な引数: %v\n", fs.Args())
		fs.Usage()
		return nil, fmt.Errorf("不明な引数: %v", fs.Args())
	}

	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

func (o *options) isSet(names ...string) bool {
	for _, name := range names {
		if o.set[name] {
			return true
		}
	}
	return false
}

// load は設定を読み込み、コマンドラインの指定で上書きして検証する
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Read(o.configPath)
	if err != nil {
		return nil, err
	}

	if o.isSet("i", "interval") {
		cfg.Capture.Interval = o.interval
	}
	if o.isSet("o", "output-dir") {
		cfg.Capture.OutputDir = o.outputDir
	}
	if o.isSet("device") {
		cfg.Camera.Device = o.device
	}
	if o.isSet("backend") {
		cfg.Camera.Backend = o.backend
	}
	if o.isSet("pipe") {
		cfg.Control.PipePath = o.pipe
	}
	if o.isSet("pidfile") {
		cfg.Control.PIDFile = o.pidFile
	}
	if o.isSet("warmup") {
		cfg.Camera.WarmupDelay = o.warmup
	}
	if o.isSet("http") {
		cfg.Server.Addr = o.httpAddr
	}
	if o.isSet("log-level") {
		cfg.Log.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
