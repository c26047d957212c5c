package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"camrec/internal/camera"
	"camrec/internal/control"
)

type transitionLog struct {
	mu    sync.Mutex
	items [][2]State
}

func (l *transitionLog) record(from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, [2]State{from, to})
}

func (l *transitionLog) snapshot() [][2]State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]State(nil), l.items...)
}

type machineFixture struct {
	m       *Machine
	opener  *camera.MockOpener
	sink    *memSink
	log     *transitionLog
	cancel  context.CancelFunc
	runDone chan error
}

func newFixture(t *testing.T, opts Options) *machineFixture {
	t.Helper()
	f := &machineFixture{
		opener:  camera.NewMockOpener(),
		sink:    &memSink{},
		log:     &transitionLog{},
		runDone: make(chan error, 1),
	}
	if opts.Interval == 0 {
		opts.Interval = 20 * time.Millisecond
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = time.Second
	}
	opts.OnTransition = f.log.record

	m, err := NewMachine(opts, f.opener, f.sink, discardLogger())
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	f.m = m

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.runDone <- m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-m.Done():
		case <-time.After(3 * time.Second):
			t.Error("状態機械が終了しませんでした")
		}
	})
	return f
}

func (f *machineFixture) send(t *testing.T, token string) control.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := f.m.Submit(ctx, control.NewRequest(token))
	if err != nil {
		t.Fatalf("Submit(%q) failed: %v", token, err)
	}
	return reply
}

func (f *machineFixture) waitState(t *testing.T, want State) {
	t.Helper()
	eventually(t, 2*time.Second, func() bool { return f.m.State() == want },
		"状態 "+want.String()+" になりませんでした (現在: "+f.m.State().String()+")")
}

func TestNewMachine_InvalidOptions(t *testing.T) {
	if _, err := NewMachine(Options{}, camera.NewMockOpener(), &memSink{}, nil); err == nil {
		t.Error("撮影間隔ゼロでエラーが発生しませんでした")
	}
	if _, err := NewMachine(Options{Interval: time.Second}, nil, &memSink{}, nil); err == nil {
		t.Error("カメラなしでエラーが発生しませんでした")
	}
}

func TestMachine_StartRecordStop(t *testing.T) {
	f := newFixture(t, Options{WarmupDelay: 30 * time.Millisecond})

	reply := f.send(t, "start")
	if !reply.OK || reply.Command != control.CommandStart || reply.State != "warming" {
		t.Errorf("unexpected start reply: %+v", reply)
	}

	f.waitState(t, StateRecording)
	eventually(t, time.Second, func() bool { return f.sink.count() >= 3 }, "フレームが保存されません")

	status := f.send(t, "status")
	if status.State != "recording" || !strings.Contains(status.Message, "session=") {
		t.Errorf("unexpected status reply: %+v", status)
	}

	reply = f.send(t, "stop")
	if !reply.OK || reply.State != "idle" {
		t.Errorf("unexpected stop reply: %+v", reply)
	}
	if f.opener.OpenHandles() != 0 {
		t.Errorf("停止後もカメラが開いています: %d", f.opener.OpenHandles())
	}

	frames := f.sink.count()
	time.Sleep(60 * time.Millisecond)
	if f.sink.count() != frames {
		t.Error("Idleでも撮影が続いています")
	}

	want := [][2]State{
		{StateIdle, StateWarming},
		{StateWarming, StateRecording},
		{StateRecording, StateIdle},
	}
	got := f.log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMachine_StartIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{WarmupDelay: 50 * time.Millisecond})

	f.send(t, "start")
	if r := f.send(t, "1"); !r.OK || r.State != "warming" {
		t.Errorf("ウォームアップ中のstartが不正: %+v", r)
	}

	f.waitState(t, StateRecording)
	r := f.send(t, "START")
	if !r.OK || r.State != "recording" || !strings.Contains(r.Message, "already running") {
		t.Errorf("録画中のstartが不正: %+v", r)
	}

	if f.opener.Opens() != 1 {
		t.Errorf("カメラが %d 回開かれました", f.opener.Opens())
	}
}

func TestMachine_StopWhileIdle(t *testing.T) {
	f := newFixture(t, Options{})

	for i := 0; i < 2; i++ {
		r := f.send(t, "stop")
		if !r.OK || r.State != "idle" {
			t.Errorf("Idleでのstopが不正: %+v", r)
		}
	}
	if len(f.log.snapshot()) != 0 {
		t.Errorf("状態が変化しました: %v", f.log.snapshot())
	}
	if f.opener.Opens() != 0 {
		t.Error("カメラが開かれました")
	}
}

func TestMachine_UnknownCommand(t *testing.T) {
	f := newFixture(t, Options{})

	r := f.send(t, "dance")
	if r.OK || r.Command != control.CommandUnknown || r.State != "idle" {
		t.Errorf("unexpected reply: %+v", r)
	}
	if !strings.Contains(r.Message, `"dance"`) {
		t.Errorf("メッセージに受信したトークンが含まれていません: %s", r.Message)
	}
	if f.m.State() != StateIdle || len(f.log.snapshot()) != 0 {
		t.Error("不明なコマンドで状態が変化しました")
	}
}

func TestMachine_OpenFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.opener.SetOpenError(errors.New("device busy"))

	f.send(t, "start")
	eventually(t, 2*time.Second, func() bool {
		return len(f.log.snapshot()) == 2 && f.m.State() == StateIdle
	}, "オープン失敗の後にIdleへ戻りません")

	status := f.send(t, "status")
	if !status.OK || status.State != "idle" {
		t.Errorf("unexpected status: %+v", status)
	}
	if !strings.Contains(status.Message, "last_error=") || !strings.Contains(status.Message, "device busy") {
		t.Errorf("失敗の理由がstatusに含まれていません: %s", status.Message)
	}

	// 復旧後は再び開始できる
	f.opener.SetOpenError(nil)
	f.send(t, "start")
	f.waitState(t, StateRecording)
	if strings.Contains(f.send(t, "status").Message, "last_error=") {
		t.Error("録画再開後もlast_errorが残っています")
	}
}

func TestMachine_StopDuringWarmup(t *testing.T) {
	f := newFixture(t, Options{WarmupDelay: time.Second})

	f.send(t, "start")
	r := f.send(t, "stop")
	if !r.OK || r.State != "idle" {
		t.Errorf("unexpected stop reply: %+v", r)
	}

	eventually(t, time.Second, func() bool { return f.opener.OpenHandles() == 0 },
		"キャンセルしたウォームアップのカメラが閉じられていません")

	time.Sleep(50 * time.Millisecond)
	for _, tr := range f.log.snapshot() {
		if tr[1] == StateRecording {
			t.Error("キャンセル後に録画が開始されました")
		}
	}
}

func TestMachine_StatusDuringWarmup(t *testing.T) {
	f := newFixture(t, Options{WarmupDelay: 500 * time.Millisecond})

	f.send(t, "start")
	start := time.Now()
	r := f.send(t, "status")
	if r.State != "warming" {
		t.Errorf("Expected warming, got %s", r.State)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("ウォームアップ中のstatusが待たされました: %s", elapsed)
	}
}

func TestMachine_CaptureFault(t *testing.T) {
	f := newFixture(t, Options{Interval: 10 * time.Millisecond, MaxFailures: 3})
	f.opener.SetCaptureError(errors.New("frame timeout"), -1)

	f.send(t, "start")
	eventually(t, 2*time.Second, func() bool {
		tr := f.log.snapshot()
		return len(tr) == 3 && tr[2] == [2]State{StateRecording, StateIdle}
	}, "連続失敗の後にIdleへ戻りません")

	if f.opener.OpenHandles() != 0 {
		t.Error("失敗後もカメラが開いています")
	}
	status := f.send(t, "status")
	if !strings.Contains(status.Message, "frame timeout") || !strings.Contains(status.Message, "failures=3") {
		t.Errorf("unexpected status: %s", status.Message)
	}
}

func TestMachine_NeverRecordsWithoutWarming(t *testing.T) {
	f := newFixture(t, Options{WarmupDelay: 5 * time.Millisecond})

	for _, token := range []string{"start", "stop", "start", "start", "stop", "stop", "start"} {
		f.send(t, token)
		time.Sleep(3 * time.Millisecond)
	}
	f.waitState(t, StateRecording)
	f.send(t, "stop")

	for i, tr := range f.log.snapshot() {
		if tr[1] == StateRecording && tr[0] != StateWarming {
			t.Errorf("transition %d: %s から直接録画に入りました", i, tr[0])
		}
		if tr[0] == StateIdle && tr[1] != StateWarming {
			t.Errorf("transition %d: Idle から %s へ遷移しました", i, tr[1])
		}
	}
	if f.opener.OpenHandles() != 0 {
		t.Errorf("カメラが開いたままです: %d", f.opener.OpenHandles())
	}
}

func TestMachine_Quit(t *testing.T) {
	f := newFixture(t, Options{})

	f.send(t, "start")
	f.waitState(t, StateRecording)

	r := f.send(t, "exit")
	if !r.OK || r.Command != control.CommandQuit || r.State != "shutting_down" {
		t.Errorf("unexpected quit reply: %+v", r)
	}

	select {
	case <-f.m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("quitの後にDoneが閉じられません")
	}
	if err := <-f.runDone; err != nil {
		t.Errorf("Run returned error: %v", err)
	}
	if f.opener.OpenHandles() != 0 {
		t.Error("終了後もカメラが開いています")
	}

	if _, err := f.m.Submit(context.Background(), control.NewRequest("status")); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown, got %v", err)
	}
}

func TestMachine_ContextCancelQuits(t *testing.T) {
	f := newFixture(t, Options{WarmupDelay: time.Second})
	f.send(t, "start")

	f.cancel()
	select {
	case <-f.m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("キャンセル後にDoneが閉じられません")
	}
	if f.m.State() != StateShuttingDown {
		t.Errorf("Expected shutting_down, got %s", f.m.State())
	}
	eventually(t, time.Second, func() bool { return f.opener.OpenHandles() == 0 }, "カメラが開いたままです")
}

func TestMachine_RunTwice(t *testing.T) {
	m, err := NewMachine(Options{Interval: time.Second}, camera.NewMockOpener(), &memSink{}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := m.Run(context.Background()); err == nil {
		t.Error("二回目のRunでエラーが発生しませんでした")
	}
}

// stuckOpener はreleaseされるまでOpenから戻らない (ctxを見ない)
type stuckOpener struct {
	release chan struct{}
	handle  *trackedHandle
}

func (o *stuckOpener) Open(context.Context) (camera.Handle, error) {
	<-o.release
	return o.handle, nil
}

// trackedHandle はCloseされたかを記録するハンドル
type trackedHandle struct {
	closed chan struct{}
	once   sync.Once
}

func (h *trackedHandle) Warmup(context.Context) error { return nil }

func (h *trackedHandle) Capture(context.Context) (camera.Frame, error) {
	return camera.Frame{}, errors.New("not used")
}

func (h *trackedHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func TestMachine_WarmupOutlivingShutdownClosesCamera(t *testing.T) {
	opener := &stuckOpener{
		release: make(chan struct{}),
		handle:  &trackedHandle{closed: make(chan struct{})},
	}
	m, err := NewMachine(Options{Interval: 20 * time.Millisecond, StopGrace: 50 * time.Millisecond}, opener, &memSink{}, discardLogger())
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	go func() { _ = m.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.Submit(ctx, control.NewRequest("start")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := m.Submit(ctx, control.NewRequest("quit")); err != nil {
		t.Fatalf("quit failed: %v", err)
	}

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("状態機械が終了しませんでした")
	}

	// 終了処理の後にカメラが開いても閉じられる
	close(opener.release)
	select {
	case <-opener.handle.closed:
	case <-time.After(2 * time.Second):
		t.Error("終了後に開いたカメラが閉じられていません")
	}
}
