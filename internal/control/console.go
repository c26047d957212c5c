package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// IsTerminal は f が端末に接続されているかを返す
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ServeConsole はコンソールから1行ずつコマンドを読んで処理する
// 応答は w に書き出す。quit/exit を処理した後、入力の終端、ctx の終了で戻る
func ServeConsole(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256), MaxLineLength)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		req := NewRequest(scanner.Text())
		if req.Token == "" {
			continue
		}

		reply, err := h.Submit(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, reply.String())

		if req.Command == CommandQuit && reply.OK {
			return nil
		}
	}

	return scanner.Err()
}
