// Package control は録画サービスへのコマンド送受信を担う
//
// # 仕様
// - コマンドは1行1トークン (start|1, stop|2, status, quit|exit)
// - 応答は1行: OK|ERR <command> <state> <message>
// - 名前付きパイプ (要求用・応答用) とコンソール入力の両方から受け付ける
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxLineLength はコマンド1行の最大バイト数
const MaxLineLength = 4096

// ErrServiceNotRunning はサービスが起動していない場合のエラー
var ErrServiceNotRunning = errors.New("サービスが起動していません")

// Command はサービスが受け付けるコマンド
type Command int

const (
	CommandUnknown Command = iota
	CommandStart
	CommandStop
	CommandStatus
	CommandQuit
)

var commandNames = map[Command]string{
	CommandUnknown: "unknown",
	CommandStart:   "start",
	CommandStop:    "stop",
	CommandStatus:  "status",
	CommandQuit:    "quit",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCommand はトークンをコマンドに変換する
// 前後の空白を除き、大文字小文字を区別しない
func ParseCommand(token string) Command {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "start", "1":
		return CommandStart
	case "stop", "2":
		return CommandStop
	case "status":
		return CommandStatus
	case "quit", "exit":
		return CommandQuit
	default:
		return CommandUnknown
	}
}

// Request はサービスへの1件のコマンド要求
type Request struct {
	Command Command
	Token   string // 受信した生のトークン
}

// NewRequest はトークンから要求を作る
func NewRequest(token string) Request {
	token = strings.TrimSpace(token)
	return Request{Command: ParseCommand(token), Token: token}
}

// Reply はコマンドに対する応答
type Reply struct {
	OK      bool
	Command Command
	State   string
	Message string
}

// String は応答の1行表現を返す
func (r Reply) String() string {
	status := "ERR"
	if r.OK {
		status = "OK"
	}
	state := r.State
	if state == "" {
		state = "-"
	}

	line := fmt.Sprintf("%s %s %s", status, r.Command, state)
	if msg := sanitize(r.Message); msg != "" {
		line += " " + msg
	}
	return line
}

// ParseReply は1行の応答を解析する
func ParseReply(line string) (Reply, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 4)
	if len(parts) < 3 {
		return Reply{}, fmt.Errorf("不正な応答: %q", line)
	}

	var r Reply
	switch parts[0] {
	case "OK":
		r.OK = true
	case "ERR":
	default:
		return Reply{}, fmt.Errorf("不正な応答ステータス: %q", parts[0])
	}

	r.Command = ParseCommand(parts[1])
	if r.Command == CommandUnknown && parts[1] != "unknown" {
		return Reply{}, fmt.Errorf("不正な応答コマンド: %q", parts[1])
	}
	r.State = parts[2]
	if len(parts) == 4 {
		r.Message = parts[3]
	}
	return r, nil
}

// Handler はコマンド要求を処理する
type Handler interface {
	// Submit は要求を処理して応答を返す
	// 処理が終わるか ctx が終了するまでブロックする
	Submit(ctx context.Context, req Request) (Reply, error)
}

// HandlerFunc は関数をHandlerとして使うためのアダプタ
type HandlerFunc func(ctx context.Context, req Request) (Reply, error)

// Submit は f(ctx, req) を呼ぶ
func (f HandlerFunc) Submit(ctx context.Context, req Request) (Reply, error) {
	return f(ctx, req)
}

// sanitize は改行を空白に置き換えて1行にする
func sanitize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
