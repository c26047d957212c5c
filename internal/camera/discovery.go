package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var deviceNumberRe = regexp.MustCompile(`video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	pattern string

	// udevInfo はデバイスのudevプロパティを取得する（テストで差し替える）
	udevInfo func(ctx context.Context, device string) (string, error)
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		pattern:  "/dev/video*",
		udevInfo: udevadmInfo,
	}
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
// 結果はデバイス番号の昇順
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if d.IsDeviceAvailable(ctx, match) {
			devices = append(devices, match)
		}
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !isV4L2Device(device) {
		return false
	}

	// デバイスファイルの読み取り権限チェック
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()

	return true
}

// FindDevice はudev情報に match を含む最初のデバイスを返す
// 一致するものがなければ最初に見つかったデバイスを使う
func (d *LinuxDiscovery) FindDevice(ctx context.Context, match string) (string, error) {
	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", ErrNoDevice
	}

	if match != "" {
		for _, device := range devices {
			info, err := d.udevInfo(ctx, device)
			if err != nil {
				continue
			}
			if strings.Contains(info, match) {
				return device, nil
			}
		}
	}

	return devices[0], nil
}

// udevadmInfo はudevadmでデバイスのプロパティ一覧を取得する
func udevadmInfo(ctx context.Context, device string) (string, error) {
	cmd := exec.CommandContext(ctx, "udevadm", "info", "--query=all", "--name="+device)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("udev情報の取得に失敗 (%s): %w", device, err)
	}
	return string(output), nil
}

// isV4L2Device はデバイスがV4L2デバイスかチェックする
func isV4L2Device(device string) bool {
	return deviceNumberRe.MatchString(device)
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberRe.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}

// resolveDevice は設定からデバイスパスを決定する
func resolveDevice(ctx context.Context, discovery Discovery, settings Settings) (string, error) {
	if settings.Device != "" {
		if !discovery.IsDeviceAvailable(ctx, settings.Device) {
			return "", fmt.Errorf("デバイスが利用できません: %s", settings.Device)
		}
		return settings.Device, nil
	}

	device, err := discovery.FindDevice(ctx, settings.Match)
	if err != nil {
		return "", fmt.Errorf("カメラの自動検出に失敗: %w", err)
	}
	return device, nil
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu      sync.Mutex
	devices []string
	infos   map[string]string
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	return &MockDiscovery{
		devices: append([]string(nil), devices...),
		infos:   make(map[string]string),
	}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d == device {
			return true
		}
	}
	return false
}

// FindDevice はSetInfoで登録した情報に match を含むデバイスを返す
func (m *MockDiscovery) FindDevice(_ context.Context, match string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.devices) == 0 {
		return "", ErrNoDevice
	}
	for _, d := range m.devices {
		if match != "" && strings.Contains(m.infos[d], match) {
			return d, nil
		}
	}
	return m.devices[0], nil
}

// SetInfo はテスト用にデバイスのudev情報を設定する
func (m *MockDiscovery) SetInfo(device, info string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos[device] = info
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.infos, device)
}
