package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration は設定ファイル向けの時間型
// "1.5s" のようなGoの時間表記と、秒数を表す小数 ("1.5") の両方を受け付ける
type Duration time.Duration

// Seconds は秒数からDurationを作る
// 表現できないほど大きい値は上限で丸める
func Seconds(sec float64) Duration {
	ns := sec * float64(time.Second)
	if ns >= math.MaxInt64 {
		return Duration(math.MaxInt64)
	}
	if ns <= math.MinInt64 {
		return Duration(math.MinInt64)
	}
	return Duration(ns)
}

// ParseDuration は時間表記または秒数の文字列を解析する
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("空の時間指定")
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("無効な秒数: %s", s)
		}
		return Seconds(f), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("無効な時間指定: %s", s)
	}
	return Duration(d), nil
}

// Std は time.Duration に変換する
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText は encoding.TextMarshaler を実装する
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText は encoding.TextUnmarshaler を実装する (TOML用)
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML は yaml.Unmarshaler を実装する
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: 時間指定はスカラー値である必要があります", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}
