package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	fifoMode        = 0o660
	readRetryDelay  = 100 * time.Millisecond
	replyWriteLimit = time.Second
	inflightWait    = 2 * time.Second
)

// ReplyPath は応答用パイプのパスを返す
func ReplyPath(path string) string {
	return path + ".reply"
}

// LockPath はクライアント間の排他用ファイルのパスを返す
func LockPath(path string) string {
	return path + ".lock"
}

// Channel は名前付きパイプによるコマンドチャンネル（サービス側）
type Channel struct {
	path      string
	replyPath string
	logger    *slog.Logger

	mu       sync.Mutex
	req      *os.File
	closed   bool
	inflight sync.WaitGroup
	removed  chan struct{}
}

// Listen は要求用・応答用のパイプを作成して要求用パイプを開く
// 古いパイプが残っていれば作り直す
func Listen(path string, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		path:      path,
		replyPath: ReplyPath(path),
		logger:    logger,
		removed:   make(chan struct{}),
	}

	// 失敗時は自分で作ったパイプだけを消す
	var created []string
	cleanup := func() {
		for _, p := range created {
			removeFIFO(p, logger)
		}
	}

	for _, p := range []string{c.path, c.replyPath} {
		if err := makeFIFO(p); err != nil {
			cleanup()
			return nil, err
		}
		created = append(created, p)
	}

	req, err := openRequest(c.path)
	if err != nil {
		cleanup()
		return nil, err
	}
	c.req = req

	return c, nil
}

// Path は要求用パイプのパスを返す
func (c *Channel) Path() string {
	return c.path
}

// Serve は要求を1行ずつ読み、Handlerに渡して応答を書き戻す
// ctx が終了するか Close されるまで戻らない
func (c *Channel) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		reader, err := c.reader()
		if err != nil {
			return nil
		}

		err = c.readLoop(ctx, reader, h)
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("コマンドパイプの読み込みエラー、再オープンします", "path", c.path, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(readRetryDelay):
		}
		if err := c.reopen(); err != nil {
			c.logger.Error("コマンドパイプの再オープンに失敗", "path", c.path, "error", err)
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, r io.Reader, h Handler) error {
	br := bufio.NewReaderSize(r, MaxLineLength)
	for {
		line, err := br.ReadSlice('\n')
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			// 長すぎる行は読み捨てて不明なコマンドとして扱う
			if derr := discardLine(br); derr != nil {
				return derr
			}
			c.handle(ctx, h, Request{Command: CommandUnknown, Token: "<too long>"})
			continue
		default:
			return err
		}

		req := NewRequest(string(line))
		if req.Token == "" {
			continue
		}
		c.handle(ctx, h, req)
	}
}

func (c *Channel) handle(ctx context.Context, h Handler, req Request) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	c.logger.Debug("コマンドを受信", "command", req.Command, "token", req.Token)

	reply, err := h.Submit(ctx, req)
	if err != nil {
		c.logger.Warn("コマンドの処理に失敗", "command", req.Command, "error", err)
		reply = Reply{Command: req.Command, State: "-", Message: err.Error()}
	}
	c.writeReply(reply)
}

// writeReply は応答用パイプに1行書き込む
// 読み手がいない場合は送りっぱなしの要求とみなして破棄する
func (c *Channel) writeReply(reply Reply) {
	f, err := os.OpenFile(c.replyPath, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			c.logger.Debug("応答の読み手がいないため破棄", "reply", reply.String())
			return
		}
		c.logger.Warn("応答パイプを開けません", "path", c.replyPath, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	_ = f.SetWriteDeadline(time.Now().Add(replyWriteLimit))
	if _, err := io.WriteString(f, reply.String()+"\n"); err != nil {
		c.logger.Warn("応答の書き込みに失敗", "path", c.replyPath, "error", err)
	}
}

func (c *Channel) reader() (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, os.ErrClosed
	}
	return c.req, nil
}

func (c *Channel) reopen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	_ = c.req.Close()
	if _, err := os.Lstat(c.path); errors.Is(err, fs.ErrNotExist) {
		if err := makeFIFO(c.path); err != nil {
			return err
		}
	}
	req, err := openRequest(c.path)
	if err != nil {
		return err
	}
	c.req = req
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close は読み込みを止め、処理中の応答を書き終えてからパイプとロックファイルを削除する
// 複数回呼んでも安全で、どの呼び出しも削除が終わるまで戻らない
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.removed
		return nil
	}
	c.closed = true
	err := c.req.Close()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(inflightWait):
		c.logger.Warn("処理中のコマンドを待たずにパイプを閉じます", "path", c.path)
	}

	c.removeFIFOs()
	close(c.removed)
	return err
}

func (c *Channel) removeFIFOs() {
	removeFIFO(c.path, c.logger)
	removeFIFO(c.replyPath, c.logger)
	if err := os.Remove(LockPath(c.path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("ロックファイルの削除に失敗", "path", LockPath(c.path), "error", err)
	}
}

// removeFIFO は path が名前付きパイプの場合だけ削除する
func removeFIFO(path string, logger *slog.Logger) {
	info, err := os.Lstat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("パイプの確認に失敗", "path", path, "error", err)
		}
		return
	}
	if info.Mode()&fs.ModeNamedPipe == 0 {
		logger.Warn("パイプ以外のファイルは削除しません", "path", path)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("パイプの削除に失敗", "path", path, "error", err)
	}
}

// openRequest は要求用パイプを読み書き両用で開く
// 自分も書き手になるため、クライアントが切断してもEOFにならない
func openRequest(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("コマンドパイプを開けません: %w", err)
	}
	return f, nil
}

// makeFIFO は名前付きパイプを作成する
// 既存のパイプは作り直し、パイプ以外のファイルがある場合はエラーにする
func makeFIFO(path string) error {
	info, err := os.Lstat(path)
	switch {
	case err == nil:
		if info.Mode()&fs.ModeNamedPipe == 0 {
			return fmt.Errorf("パイプ以外のファイルが存在します: %s", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("古いパイプの削除に失敗: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("パイプの確認に失敗: %w", err)
	}

	if err := unix.Mkfifo(path, fifoMode); err != nil {
		return fmt.Errorf("パイプの作成に失敗 (%s): %w", path, err)
	}
	return nil
}

func discardLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}
