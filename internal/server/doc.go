// Package server は録画サービスのHTTP制御インターフェースを提供する
//
// 責務:
//   - ヘルスチェック
//   - 録画状態の取得 (GET /api/status)
//   - コマンドの送信 (POST /api/commands/:command)
//
// 仕様:
//   - ルーティングには gin を使用
//   - コマンドは名前付きパイプと同じ control.Handler に渡される
//   - グレースフルシャットダウンに対応
package server
