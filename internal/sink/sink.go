// Package sink は取得したフレームをファイルとして保存する
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"camrec/internal/camera"
)

// nameLayout はファイル名の日時部分 (ミリ秒まで)
const nameLayout = "20060102_150405"

// FileSink はフレームを <tag>_<YYYYMMDD>_<HHMMSS>_<mmm>.<ext> として保存する
type FileSink struct {
	dir string
	tag string
	now func() time.Time
}

// New は保存先ディレクトリを作成してFileSinkを返す
func New(dir, tag string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("保存ディレクトリが指定されていません")
	}
	if tag == "" || strings.ContainsRune(tag, os.PathSeparator) {
		return nil, fmt.Errorf("無効なデバイスタグ: %q", tag)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("保存ディレクトリの作成に失敗: %w", err)
	}

	return &FileSink{dir: dir, tag: tag, now: time.Now}, nil
}

// Dir は保存先ディレクトリを返す
func (s *FileSink) Dir() string {
	return s.dir
}

// Save はフレームを保存してファイルパスを返す
// 一時ファイルに書いてからリネームするため、途中までの画像が見えることはない
func (s *FileSink) Save(frame camera.Frame) (string, error) {
	if len(frame.Data) == 0 {
		return "", errors.New("空のフレームは保存できません")
	}

	at := frame.CapturedAt
	if at.IsZero() {
		at = s.now()
	}
	path := filepath.Join(s.dir, FileName(s.tag, at, frame.Format))

	tmp, err := os.CreateTemp(s.dir, ".frame-*.tmp")
	if err != nil {
		return "", fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// リネーム済みなら何もしない
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(frame.Data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("フレームの書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("フレームの書き込みに失敗: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("パーミッションの設定に失敗: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("フレームの保存に失敗: %w", err)
	}

	return path, nil
}

// FileName はフレームの保存ファイル名を返す
// 時刻はローカルタイムで表記する
func FileName(tag string, at time.Time, format camera.Format) string {
	at = at.Local()
	return fmt.Sprintf("%s_%s_%03d.%s", tag, at.Format(nameLayout), at.Nanosecond()/int(time.Millisecond), format.Ext())
}
