package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"camrec/internal/camera"

	"github.com/dustin/go-humanize"
)

// Sink は取得したフレームの保存先
type Sink interface {
	Save(frame camera.Frame) (string, error)
}

// Stats は録画セッションの統計
type Stats struct {
	Frames      uint64    // 保存したフレーム数
	Skipped     uint64    // 前の撮影が長引いて飛ばした回数
	Failures    uint64    // キャプチャ失敗の累計
	SinkErrors  uint64    // 保存失敗の累計
	LastFrameAt time.Time // 最後に保存したフレームの取得時刻
	LastFile    string    // 最後に保存したファイル
}

// Scheduler は一定間隔でフレームを取得して保存する
// 撮影時刻は開始時刻からの絶対時刻で決め、間に合わなかった回は飛ばす
type Scheduler struct {
	handle      camera.Handle
	sink        Sink
	interval    time.Duration
	maxFailures int
	onFault     func(ctx context.Context, err error)
	logger      *slog.Logger

	// onTick はテスト用のフック
	onTick func(at time.Time)

	frames     atomic.Uint64
	skipped    atomic.Uint64
	failures   atomic.Uint64
	sinkErrors atomic.Uint64

	mu          sync.Mutex
	lastFrameAt time.Time
	lastFile    string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler は新しいSchedulerを作成する
// handle はStopが戻るまでSchedulerが専有する
// onFault は連続失敗が maxFailures に達したときに一度だけ呼ばれる
func NewScheduler(handle camera.Handle, sink Sink, interval time.Duration, maxFailures int, onFault func(ctx context.Context, err error), logger *slog.Logger) *Scheduler {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		handle:      handle,
		sink:        sink,
		interval:    interval,
		maxFailures: maxFailures,
		onFault:     onFault,
		logger:      logger,
	}
}

// Start は撮影ループを開始する
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, time.Now())
}

// Stop は撮影ループを止め、実行中のキャプチャを最大 grace だけ待つ
// 待ちきれなかった場合は false を返す
func (s *Scheduler) Stop(grace time.Duration) bool {
	if s.done == nil {
		return true
	}
	s.cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// Stats は現在の統計を返す
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Frames:      s.frames.Load(),
		Skipped:     s.skipped.Load(),
		Failures:    s.failures.Load(),
		SinkErrors:  s.sinkErrors.Load(),
		LastFrameAt: s.lastFrameAt,
		LastFile:    s.lastFile,
	}
}

func (s *Scheduler) run(ctx context.Context, start time.Time) {
	defer close(s.done)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	consecutive := 0
	for k := int64(1); ; {
		deadline := start.Add(time.Duration(k) * s.interval)
		timer.Reset(time.Until(deadline))

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if s.onTick != nil {
			s.onTick(deadline)
		}

		err := s.tick(ctx, deadline)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			consecutive++
			s.failures.Add(1)
			s.logger.Warn("キャプチャに失敗", "error", err, "consecutive", consecutive)
			if consecutive >= s.maxFailures {
				if s.onFault != nil {
					s.onFault(ctx, fmt.Errorf("%d回連続でキャプチャに失敗: %w", consecutive, err))
				}
				return
			}
		} else {
			consecutive = 0
		}

		// 次は現在時刻より後の最初の撮影時刻。過ぎた分は溜めずに飛ばす
		next := int64(time.Since(start)/s.interval) + 1
		if missed := next - k - 1; missed > 0 {
			s.skipped.Add(uint64(missed))
			s.logger.Debug("撮影が間に合わなかったため飛ばします", "missed", missed)
		}
		k = next
	}
}

// tick は1フレームを取得して保存する
// 保存の失敗はログに残すだけで録画は止めない
func (s *Scheduler) tick(ctx context.Context, at time.Time) error {
	frame, err := s.handle.Capture(ctx)
	if err != nil {
		return err
	}
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = at
	}

	path, err := s.sink.Save(frame)
	if err != nil {
		s.sinkErrors.Add(1)
		s.logger.Error("フレームの保存に失敗", "error", err)
		return nil
	}

	s.frames.Add(1)
	s.mu.Lock()
	s.lastFrameAt = frame.CapturedAt
	s.lastFile = path
	s.mu.Unlock()

	s.logger.Debug("フレームを保存", "path", path, "size", humanize.Bytes(uint64(len(frame.Data))))
	return nil
}
