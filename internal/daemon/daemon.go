// Package daemon は録画サービスのプロセス全体の起動と終了をまとめる
//
// 起動順序: インスタンス登録 → 保存先作成 → コマンドパイプ → 状態機械 → 入力元 (パイプ・コンソール・HTTP・シグナル)
// 終了順序: 状態機械の終了を待ち、入力元を閉じ、最後にインスタンス登録を解除する
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"camrec/internal/camera"
	"camrec/internal/config"
	"camrec/internal/control"
	"camrec/internal/registry"
	"camrec/internal/server"
	"camrec/internal/service"
	"camrec/internal/sink"
)

// ErrChannel はコマンドパイプを用意できなかった場合のエラー
var ErrChannel = errors.New("コマンドパイプを開けません")

// Daemon は録画サービスのプロセスを表す
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	factory   *camera.OpenerFactory
	discovery camera.Discovery

	console    io.Reader // nil ならコンソール入力を受け付けない
	consoleOut io.Writer
	signals    bool
}

// New は新しいDaemonを作成する
// 標準入力が端末であればコンソールからのコマンドも受け付ける
func New(cfg *config.Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		factory: camera.NewOpenerFactory(),
		signals: true,
	}
	if control.IsTerminal(os.Stdin) {
		d.console = os.Stdin
		d.consoleOut = os.Stdout
	}
	return d
}

// Run はサービスを起動し、quit を受けるか ctx が終了するまでブロックする
// 既に別のインスタンスが動いている場合は何も作らずに registry.ErrAlreadyRunning を返す
func (d *Daemon) Run(ctx context.Context) (err error) {
	cfg := d.cfg

	lease, err := registry.Acquire(cfg.Control.PIDFile)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			d.logger.Warn("PIDファイルの削除に失敗", "path", lease.Path(), "error", rerr)
		}
	}()

	snk, err := sink.New(cfg.Capture.OutputDir, cfg.Capture.DeviceTag)
	if err != nil {
		return err
	}

	ch, err := control.Listen(cfg.Control.PipePath, d.logger.With("component", "control"))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
	defer func() { _ = ch.Close() }()

	opener, err := d.factory.Create(camera.Backend(cfg.Camera.Backend), cameraSettings(cfg), d.discovery, d.logger.With("component", "camera"))
	if err != nil {
		return err
	}

	machine, err := service.NewMachine(service.Options{
		Interval:    cfg.Capture.Interval.Std(),
		WarmupDelay: cfg.Camera.WarmupDelay.Std(),
		StopGrace:   cfg.Capture.StopGrace.Std(),
		MaxFailures: cfg.Capture.MaxConsecutiveFailures,
	}, opener, snk, d.logger.With("component", "service"))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	machineErr := make(chan error, 1)
	go func() { machineErr <- machine.Run(runCtx) }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ch.Serve(runCtx, machine); err != nil {
			d.logger.Error("コマンドパイプの処理に失敗", "error", err)
		}
	}()

	// コンソールの読み込みは中断できないため待たない
	if d.console != nil {
		go d.serveConsole(runCtx, machine)
	}

	if cfg.HTTPEnabled() {
		srv := server.New(cfg.Server, machine, d.logger.With("component", "server"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(runCtx); err != nil {
				d.logger.Error("HTTPサーバーでエラーが発生", "error", err)
			}
		}()
	}

	if d.signals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			forwardSignals(runCtx, machine, d.logger)
		}()
	}

	d.logger.Info("録画サービスの準備ができました",
		"pid", lease.PID(),
		"pipe", ch.Path(),
		"output_dir", snk.Dir(),
		"backend", cfg.Camera.Backend)

	<-machine.Done()
	err = <-machineErr

	cancel()
	_ = ch.Close()
	if !waitTimeout(&wg, cfg.Capture.StopGrace.Std()) {
		d.logger.Warn("入力処理の終了待ちがタイムアウトしました")
	}

	d.logger.Info("録画サービスを終了しました")
	return err
}

func (d *Daemon) serveConsole(ctx context.Context, h control.Handler) {
	err := control.ServeConsole(ctx, d.console, d.consoleOut, h)
	if err != nil && !errors.Is(err, service.ErrShutdown) && !errors.Is(err, context.Canceled) {
		d.logger.Warn("コンソール入力の処理に失敗", "error", err)
	}
}

// forwardSignals はSIGINT/SIGTERMを quit コマンドに変換する
func forwardSignals(ctx context.Context, h control.Handler, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			logger.Info("シグナルを受信しました", "signal", sig)
			if _, err := h.Submit(ctx, control.NewRequest("quit")); err != nil {
				return
			}
		}
	}
}

// cameraSettings は設定からカメラの設定を作る
func cameraSettings(cfg *config.Config) camera.Settings {
	return camera.Settings{
		Device:       cfg.Camera.Device,
		Match:        cfg.Camera.Match,
		Width:        cfg.Camera.Width,
		Height:       cfg.Camera.Height,
		WarmupFrames: cfg.Camera.WarmupFrames,
		FrameTimeout: cfg.Camera.FrameTimeout.Std(),
		JPEGQuality:  cfg.Camera.JPEGQuality,
	}
}

// waitTimeout は wg を最大 timeout だけ待つ。待ちきれたら true
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
