// Package camera 配信するJPEGフレームの取得を担う
//
// # 責務
// - 外部キャプチャコマンドによる1枚撮影（simpleモード）
// - パイプラインが書き出したフレームファイルの探索（videoモード）
// - fsnotifyによる出力ディレクトリ監視と最新フレームの共有
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - ストリーム配信ループが「次のフレーム」を取得したい
// - 複数の視聴者で同じ最新フレームを共有したい
//
// # 仕様
//   - Source: 全てのフレーム取得方式を統一するインターフェース
//   - CommandCapturer: 呼び出し毎にコマンドを実行する。視聴者数に比例して撮影負荷が増える
//   - DirectorySource: 更新時刻が最新のJPEGファイルをポーリングで探す
//   - WatchedSource: ディレクトリの変更通知でFrameCellを更新し、全視聴者がそれを読む
//   - 新しいフレームがない場合は ErrNoFrame を返す。エラーではなく「今回は送らない」の意味
//   - 一覧取得後に削除されたファイルは ErrNoFrame として扱う
//
// # 前提要件
//   - termux-api: simpleモードの既定キャプチャコマンド
//     pkg install termux-api
//   - libcamera-apps と ffmpeg: videoモードのパイプライン
//     sudo apt install libcamera-apps ffmpeg
package camera
