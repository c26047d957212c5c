package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"camrec/internal/registry"
)

const lockPollInterval = 20 * time.Millisecond

// Client はコマンドパイプ経由でサービスにコマンドを送る
type Client struct {
	path    string
	pidFile string
	timeout time.Duration
}

// NewClient は新しいClientを作成する
// pidFile が空の場合は生存確認を省略する
func NewClient(path, pidFile string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{path: path, pidFile: pidFile, timeout: timeout}
}

// Send はコマンドを1件送り、対応する応答を待つ
// サービスが起動していない場合は ErrServiceNotRunning を返す
func (c *Client) Send(ctx context.Context, cmd Command) (Reply, error) {
	if cmd == CommandUnknown {
		return Reply{}, errors.New("不明なコマンドは送信できません")
	}

	if err := c.checkRunning(); err != nil {
		return Reply{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	unlock, err := c.lock(ctx)
	if err != nil {
		return Reply{}, err
	}
	defer unlock()

	// 応答を取りこぼさないよう、要求を書く前に応答パイプを開いておく
	// 読み書き両用で開くとサービス側の書き込みを待つ間にEOFにならない
	rf, err := os.OpenFile(ReplyPath(c.path), os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Reply{}, ErrServiceNotRunning
		}
		return Reply{}, fmt.Errorf("応答パイプを開けません: %w", err)
	}
	defer func() { _ = rf.Close() }()

	if err := c.writeRequest(cmd); err != nil {
		return Reply{}, err
	}

	return c.readReply(ctx, rf, cmd)
}

func (c *Client) checkRunning() error {
	if c.pidFile == "" {
		return nil
	}
	_, alive, err := registry.Probe(c.pidFile)
	if err != nil {
		return fmt.Errorf("PIDファイルの確認に失敗: %w", err)
	}
	if !alive {
		return ErrServiceNotRunning
	}
	return nil
}

// lock は他のクライアントと応答が混ざらないよう排他ロックを取る
func (c *Client) lock(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(LockPath(c.path), os.O_RDWR|os.O_CREATE, 0o660)
	if err != nil {
		return nil, fmt.Errorf("ロックファイルを開けません: %w", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			return nil, fmt.Errorf("ロックの取得に失敗: %w", err)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("ロック待ちがタイムアウトしました: %w", ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}

	return func() { _ = f.Close() }, nil
}

func (c *Client) writeRequest(cmd Command) error {
	wf, err := os.OpenFile(c.path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) || errors.Is(err, fs.ErrNotExist) {
			return ErrServiceNotRunning
		}
		return fmt.Errorf("コマンドパイプを開けません: %w", err)
	}
	defer func() { _ = wf.Close() }()

	if _, err := wf.WriteString(cmd.String() + "\n"); err != nil {
		return fmt.Errorf("コマンドの送信に失敗: %w", err)
	}
	return nil
}

// readReply は送ったコマンドに対応する応答が届くまで読み続ける
// 前のクライアントが受け取らなかった応答は読み飛ばす
func (c *Client) readReply(ctx context.Context, rf *os.File, cmd Command) (Reply, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = rf.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = rf.SetReadDeadline(time.Now())
	})
	defer stop()

	br := bufio.NewReaderSize(rf, MaxLineLength)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return Reply{}, fmt.Errorf("サービスから応答がありません: %w", context.DeadlineExceeded)
			}
			return Reply{}, fmt.Errorf("応答の読み込みに失敗: %w", err)
		}

		reply, err := ParseReply(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		if reply.Command == cmd {
			return reply, nil
		}
	}
}
