// Package service は録画サービスの状態機械と撮影スケジューラを提供する
//
// 状態とカメラハンドルはすべて Run を実行する一つのゴルーチンが所有する。
// 外部からのコマンドと内部イベント（ウォームアップ完了、撮影の異常）は
// 一本のイベントキューで受け取り、到着順に処理する。
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"camrec/internal/camera"
	"camrec/internal/control"
)

// ErrShutdown は終了処理に入った後にコマンドを送った場合のエラー
var ErrShutdown = errors.New("サービスは終了処理中です")

// Options は状態機械の設定
type Options struct {
	Interval    time.Duration // 撮影間隔 (> 0)
	WarmupDelay time.Duration // カメラを開いた後の安定待ち
	StopGrace   time.Duration // 停止時に実行中のキャプチャを待つ猶予
	MaxFailures int           // この回数連続で失敗したら録画を止める

	// OnTransition は状態遷移のたびにRunのゴルーチンから呼ばれる
	OnTransition func(from, to State)
}

// Machine は録画サービスの状態機械
type Machine struct {
	opts   Options
	opener camera.Opener
	sink   Sink
	logger *slog.Logger

	events  chan event
	done    chan struct{}
	state   atomic.Int32
	running atomic.Bool

	// 以下はRunのゴルーチンだけが触る
	startedAt  time.Time
	enteredAt  time.Time
	gen        uint64
	warmCancel context.CancelFunc
	warmers    sync.WaitGroup
	sched      *Scheduler
	handle     camera.Handle
	session    string
	lastStats  Stats
	lastErr    string
}

type event interface{}

type (
	evtRequest struct {
		req   control.Request
		reply chan control.Reply
	}
	evtWarmupDone struct {
		gen    uint64
		handle camera.Handle
		err    error
	}
	evtCaptureFault struct {
		gen uint64
		err error
	}
)

// NewMachine は新しいMachineを作成する
func NewMachine(opts Options, opener camera.Opener, sink Sink, logger *slog.Logger) (*Machine, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("撮影間隔は正の値である必要があります: %s", opts.Interval)
	}
	if opener == nil || sink == nil {
		return nil, errors.New("カメラと保存先の指定が必要です")
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	if opts.MaxFailures < 1 {
		opts.MaxFailures = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Machine{
		opts:   opts,
		opener: opener,
		sink:   sink,
		logger: logger,
		events: make(chan event, 16),
		done:   make(chan struct{}),
	}, nil
}

// State は現在の状態を返す
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Done は終了処理が完了すると閉じられる
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Submit はコマンドを状態機械に渡して応答を待つ
// 終了処理の完了後は ErrShutdown を返す
func (m *Machine) Submit(ctx context.Context, req control.Request) (control.Reply, error) {
	reply := make(chan control.Reply, 1)

	select {
	case m.events <- evtRequest{req: req, reply: reply}:
	case <-m.done:
		return control.Reply{}, ErrShutdown
	case <-ctx.Done():
		return control.Reply{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r, nil
	case <-m.done:
		// 終了直前に応答している場合がある
		select {
		case r := <-reply:
			return r, nil
		default:
			return control.Reply{}, ErrShutdown
		}
	case <-ctx.Done():
		return control.Reply{}, ctx.Err()
	}
}

// Run はイベントループを実行する
// Quit を処理するか ctx が終了すると、後始末をして戻る
func (m *Machine) Run(ctx context.Context) (err error) {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("Run は一度しか呼べません")
	}

	m.startedAt = time.Now()
	m.enteredAt = m.startedAt
	m.logger.Info("録画サービスを開始", "interval", m.opts.Interval, "state", m.State())

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("状態機械でpanicが発生", "error", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("状態機械でpanicが発生: %v", r)
			m.shutdown()
		}
		m.finish()
	}()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("コンテキストが終了したため停止します")
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.dispatch(ctx, ev)
			if m.State() == StateShuttingDown {
				return nil
			}
		}
	}
}

func (m *Machine) dispatch(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case evtRequest:
		e.reply <- m.handleRequest(ctx, e.req)
	case evtWarmupDone:
		m.handleWarmupDone(ctx, e)
	case evtCaptureFault:
		m.handleFault(e)
	}
}

func (m *Machine) handleRequest(ctx context.Context, req control.Request) control.Reply {
	state := m.State()

	switch req.Command {
	case control.CommandStart:
		switch state {
		case StateIdle:
			m.beginWarmup(ctx)
			return m.ok(req, "camera warming up")
		case StateWarming:
			return m.ok(req, "already running (warming up)")
		default:
			return m.ok(req, "already running")
		}

	case control.CommandStop:
		switch state {
		case StateWarming:
			m.cancelWarmup()
			m.transition(StateIdle)
			return m.ok(req, "warmup cancelled")
		case StateRecording:
			m.stopRecording()
			m.transition(StateIdle)
			return m.ok(req, fmt.Sprintf("recording stopped frames=%d", m.lastStats.Frames))
		default:
			return m.ok(req, "not running")
		}

	case control.CommandStatus:
		return m.ok(req, m.statusMessage())

	case control.CommandQuit:
		m.shutdown()
		return m.ok(req, "shutting down")

	default:
		m.logger.Warn("不明なコマンド", "token", req.Token)
		return control.Reply{
			Command: control.CommandUnknown,
			State:   state.String(),
			Message: fmt.Sprintf("unknown command %q", req.Token),
		}
	}
}

func (m *Machine) ok(req control.Request, msg string) control.Reply {
	return control.Reply{OK: true, Command: req.Command, State: m.State().String(), Message: msg}
}

// beginWarmup は別ゴルーチンでカメラを開き、完了をイベントで通知する
func (m *Machine) beginWarmup(ctx context.Context) {
	m.gen++
	gen := m.gen
	wctx, cancel := context.WithCancel(ctx)
	m.warmCancel = cancel
	m.transition(StateWarming)

	m.warmers.Add(1)
	go func() {
		defer m.warmers.Done()
		defer recoverLog(m.logger, "ウォームアップでpanicが発生")
		m.warmup(wctx, gen)
	}()
}

func (m *Machine) warmup(ctx context.Context, gen uint64) {
	h, err := m.openCamera(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil && h != nil {
		m.closeHandle(h)
		h = nil
	}

	// キャンセルされた場合は自分でハンドルを閉じる
	// 終了処理がキューを片付けた後に送ると誰も閉じなくなる
	if ctx.Err() != nil {
		m.closeHandle(h)
		return
	}
	select {
	case m.events <- evtWarmupDone{gen: gen, handle: h, err: err}:
	case <-ctx.Done():
		m.closeHandle(h)
	}
}

func (m *Machine) openCamera(ctx context.Context) (camera.Handle, error) {
	h, err := m.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("カメラのオープンに失敗: %w", err)
	}
	if err := h.Warmup(ctx); err != nil {
		return h, fmt.Errorf("ウォームアップに失敗: %w", err)
	}

	if m.opts.WarmupDelay > 0 {
		timer := time.NewTimer(m.opts.WarmupDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return h, ctx.Err()
		}
	}
	return h, nil
}

func (m *Machine) handleWarmupDone(ctx context.Context, e evtWarmupDone) {
	if e.gen != m.gen || m.State() != StateWarming {
		if e.handle != nil {
			m.closeHandle(e.handle)
		}
		return
	}
	m.cancelWarmup()

	if e.err != nil {
		m.lastErr = e.err.Error()
		m.logger.Error("カメラを開始できません", "error", e.err)
		m.transition(StateIdle)
		return
	}

	m.startRecording(ctx, e.handle)
}

func (m *Machine) startRecording(ctx context.Context, h camera.Handle) {
	gen := m.gen
	m.handle = h
	m.session = uuid.NewString()
	m.lastStats = Stats{}
	m.lastErr = ""

	onFault := func(sctx context.Context, err error) {
		select {
		case m.events <- evtCaptureFault{gen: gen, err: err}:
		case <-sctx.Done():
		}
	}
	m.sched = NewScheduler(h, m.sink, m.opts.Interval, m.opts.MaxFailures, onFault,
		m.logger.With("session", m.session))
	m.sched.Start(ctx)

	m.transition(StateRecording)
	m.logger.Info("録画を開始", "session", m.session, "interval", m.opts.Interval)
}

func (m *Machine) handleFault(e evtCaptureFault) {
	if e.gen != m.gen || m.State() != StateRecording {
		return
	}
	m.lastErr = e.err.Error()
	m.logger.Error("撮影を継続できないため録画を停止します", "error", e.err)
	m.stopRecording()
	m.transition(StateIdle)
}

// stopRecording はスケジューラを止めてカメラを閉じる
func (m *Machine) stopRecording() {
	if m.sched == nil {
		return
	}
	m.gen++

	finished := m.sched.Stop(m.opts.StopGrace)
	m.lastStats = m.sched.Stats()
	m.sched = nil

	h := m.handle
	m.handle = nil
	if finished {
		m.closeHandle(h)
	} else {
		m.logger.Warn("実行中のキャプチャが猶予内に終わりませんでした", "grace", m.opts.StopGrace)
		go m.closeHandle(h)
	}

	m.logger.Info("録画を停止", "session", m.session, "frames", m.lastStats.Frames, "skipped", m.lastStats.Skipped)
}

func (m *Machine) cancelWarmup() {
	if m.warmCancel != nil {
		m.warmCancel()
		m.warmCancel = nil
	}
	m.gen++
}

// shutdown はカメラ関連の処理を止めて終端状態に入る
func (m *Machine) shutdown() {
	if m.State() == StateShuttingDown {
		return
	}
	m.cancelWarmup()
	m.stopRecording()
	m.transition(StateShuttingDown)
}

// finish はウォームアップ中のゴルーチンを待ち、残ったイベントを片付けて Done を閉じる
func (m *Machine) finish() {
	waited := make(chan struct{})
	go func() {
		m.warmers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(m.opts.StopGrace):
		m.logger.Warn("ウォームアップの終了待ちがタイムアウトしました")
	}

	for {
		select {
		case ev := <-m.events:
			switch e := ev.(type) {
			case evtRequest:
				e.reply <- control.Reply{Command: e.req.Command, State: StateShuttingDown.String(), Message: ErrShutdown.Error()}
			case evtWarmupDone:
				if e.handle != nil {
					m.closeHandle(e.handle)
				}
			}
		default:
			m.logger.Info("録画サービスを終了")
			close(m.done)
			return
		}
	}
}

func (m *Machine) closeHandle(h camera.Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		m.logger.Warn("カメラのクローズに失敗", "error", err)
	}
}

func (m *Machine) transition(next State) {
	prev := m.State()
	if prev == next {
		return
	}
	m.state.Store(int32(next))
	m.enteredAt = time.Now()

	m.logger.Info("状態遷移", "from", prev.String(), "to", next.String())
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(prev, next)
	}
}

// statusMessage はstatusコマンドの応答本文を作る
func (m *Machine) statusMessage() string {
	now := time.Now()
	parts := []string{
		"uptime=" + now.Sub(m.startedAt).Round(time.Millisecond).String(),
		"since=" + now.Sub(m.enteredAt).Round(time.Millisecond).String(),
	}

	if m.session != "" {
		stats := m.lastStats
		if m.sched != nil {
			stats = m.sched.Stats()
		}
		parts = append(parts,
			fmt.Sprintf("frames=%d", stats.Frames),
			fmt.Sprintf("skipped=%d", stats.Skipped),
			fmt.Sprintf("failures=%d", stats.Failures),
			"session="+m.session,
		)
	}
	if m.lastErr != "" {
		parts = append(parts, fmt.Sprintf("last_error=%q", m.lastErr))
	}

	return strings.Join(parts, " ")
}

func recoverLog(logger *slog.Logger, msg string) {
	if r := recover(); r != nil {
		logger.Error(msg, "error", r, "stack", string(debug.Stack()))
	}
}
