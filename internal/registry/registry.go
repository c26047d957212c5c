// Package registry はPIDファイルによる単一インスタンス制御を提供する
//
// PIDファイルの存在だけでは起動中とみなさない。
// flockとプロセスの生存確認を組み合わせ、異常終了で残ったファイルは上書きする。
package registry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning は別のインスタンスが起動中の場合のエラー
var ErrAlreadyRunning = errors.New("サービスは既に起動しています")

// AlreadyRunningError は起動中のインスタンスのPIDを保持する
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("サービスは既に起動しています (PID %d)", e.PID)
	}
	return ErrAlreadyRunning.Error()
}

func (e *AlreadyRunningError) Unwrap() error {
	return ErrAlreadyRunning
}

// ロック取得中にファイルが差し替えられた場合の再試行回数
const maxAttempts = 5

// Lease は取得したPIDファイルの所有権
// Release されるまでファイルディスクリプタとロックを保持する
type Lease struct {
	path string
	pid  int

	mu       sync.Mutex
	file     *os.File
	released bool
}

// Acquire はPIDファイルを作成して所有権を得る
// 生存しているプロセスが所有している場合は AlreadyRunningError を返す
func Acquire(path string) (*Lease, error) {
	pid := os.Getpid()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		lease, retry, err := tryAcquire(path, pid)
		if err != nil {
			return nil, err
		}
		if !retry {
			return lease, nil
		}
	}

	return nil, fmt.Errorf("PIDファイル %s のロックを取得できません", path)
}

func tryAcquire(path string, pid int) (*Lease, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("PIDファイルを開けません: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			owner, _, _ := readPID(path)
			return nil, false, &AlreadyRunningError{PID: owner}
		}
		return nil, false, fmt.Errorf("PIDファイルのロックに失敗: %w", err)
	}

	// ロックを取る間に前の所有者がファイルを削除・再作成していないか
	if !sameFile(f, path) {
		_ = f.Close()
		return nil, true, nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("PIDファイルの読み込みに失敗: %w", err)
	}
	if owner, ok := parsePID(data); ok && owner != pid && Alive(owner) {
		_ = f.Close()
		return nil, false, &AlreadyRunningError{PID: owner}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("PIDファイルの初期化に失敗: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("PIDファイルの書き込みに失敗: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("PIDファイルの書き込みに失敗: %w", err)
	}

	return &Lease{path: path, pid: pid, file: f}, false, nil
}

// PID は所有者のPIDを返す
func (l *Lease) PID() int {
	return l.pid
}

// Path はPIDファイルのパスを返す
func (l *Lease) Path() string {
	return l.path
}

// Release はPIDファイルを削除してロックを解放する
// 複数回呼んでも安全
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	var errs []error
	// 自分のファイルのままの場合だけ削除する
	if sameFile(l.file, l.path) {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("PIDファイルの削除に失敗: %w", err))
		}
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PIDファイルのクローズに失敗: %w", err))
	}

	return errors.Join(errs...)
}

// Probe はPIDファイルを読み、記録されたプロセスが生存しているかを返す
// ファイルがない場合や内容が壊れている場合は alive=false で err=nil
func Probe(path string) (pid int, alive bool, err error) {
	pid, ok, err := readPID(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	return pid, Alive(pid), nil
}

// Alive はプロセスが生存しているかを返す
// 権限がなくシグナルを送れない場合も生存とみなす
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func readPID(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	pid, ok := parsePID(data)
	return pid, ok, nil
}

func parsePID(data []byte) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func sameFile(f *os.File, path string) bool {
	opened, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(opened, current)
}
