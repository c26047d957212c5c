// Package camera USBカメラの1フレーム取得を担う
//
// # 責務
// - カメラデバイスの自動検出（udev情報による照合）
// - デバイスのオープン・ウォームアップ・クローズ
// - 1フレームの取得とJPEGへのエンコード
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 録画サービスからカメラを開いて静止画を取得したい
// - テストでカメラの代わりにモックを使いたい
//
// # 仕様
// - Opener: バックエンドごとのデバイスオープン処理
// - Handle: 開いたデバイスに対するウォームアップ・キャプチャ・クローズ
// - v4l2 バックエンド: github.com/blackjack/webcam によるmmapストリーミング
// - ffmpeg バックエンド: ffmpeg経由で1枚ずつキャプチャ
// - mock バックエンド: テスト・動作確認用
// - Handle は同時に一つのゴルーチンからのみ使う
//
// # 前提要件
//   - v4l-utils / udev: デバイス名・ベンダー情報の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: ffmpeg バックエンドを使う場合のみ
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
