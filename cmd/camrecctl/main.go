// Package main は録画サービスにコマンドを送る camrecctl の実装です
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"camrec/internal/config"
	"camrec/internal/control"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("camrecctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath string
		pipe       string
		pidFile    string
		timeout    time.Duration
	)
	for _, name := range []string{"c", "config"} {
		fs.StringVar(&configPath, name, "", "設定ファイル (.yaml / .toml)")
	}
	fs.StringVar(&pipe, "pipe", "", "コマンドパイプのパス")
	fs.StringVar(&pidFile, "pidfile", "", "PIDファイルのパス")
	fs.DurationVar(&timeout, "timeout", 0, "応答待ちのタイムアウト")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "camrecctl - 録画サービスの操作")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "使用方法:")
		fmt.Fprintln(stderr, "  camrecctl [オプション] <start|1|stop|2|status|quit|exit>")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "オプション:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	cmd := control.ParseCommand(fs.Arg(0))
	if cmd == control.CommandUnknown {
		fmt.Fprintf(stderr, "不明なコマンド: %s\n", fs.Arg(0))
		fs.Usage()
		return 1
	}

	cfg, err := config.Read(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "設定の読み込みに失敗しました: %v\n", err)
		return 1
	}
	if pipe != "" {
		cfg.Control.PipePath = pipe
	}
	if pidFile != "" {
		cfg.Control.PIDFile = pidFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "設定の読み込みに失敗しました: %v\n", err)
		return 1
	}
	pipe = cfg.Control.PipePath
	pidFile = cfg.Control.PIDFile
	if timeout <= 0 {
		timeout = cfg.Control.ReplyTimeout.Std()
	}

	client := control.NewClient(pipe, pidFile, timeout)
	reply, err := client.Send(context.Background(), cmd)
	if err != nil {
		if errors.Is(err, control.ErrServiceNotRunning) {
			fmt.Fprintf(stderr, "録画サービスが起動していません (pipe: %s)\n", pipe)
		} else {
			fmt.Fprintf(stderr, "コマンドの送信に失敗しました: %v\n", err)
		}
		return 1
	}

	fmt.Fprintln(stdout, reply.String())
	if !reply.OK {
		return 1
	}
	return 0
}
