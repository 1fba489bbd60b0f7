// Package server は、カメラ映像をMJPEGで配信するTCPサーバーを管理します。
//
// このパッケージは、待ち受け、リクエストの振り分け、
// マルチパート配信、起動と停止の制御を担当します。
//
// 責務:
//   - TCPポートの確保と接続の受け付け
//   - リクエスト先頭の文字列による振り分け（/stream、/、それ以外は404）
//   - multipart/x-mixed-replace によるJPEGフレームの連続配信
//   - カメラモードに応じたフレーム取得元、パイプライン、掃除の組み立て
//   - シグナルを受けたときのグレースフルシャットダウン
//
// 仕様:
//   - HTTPの解析は行わない。リクエストは1回だけ最大1024バイト読む
//   - 接続毎に1つのゴルーチンで処理する
//   - 同じフレームを続けて送らない
//   - 管理APIは別ポートで admin パッケージが提供する
package server
