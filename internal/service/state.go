package service

// State はサービスの状態
type State int32

const (
	StateIdle         State = iota // カメラを保持していない
	StateWarming                   // カメラを開いてウォームアップ中
	StateRecording                 // 一定間隔で撮影中
	StateShuttingDown              // 終了処理中（終端）
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWarming:
		return "warming"
	case StateRecording:
		return "recording"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
