package camera

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// ErrNoFrame は今回の取得で送るべき新しいフレームがないことを表す
var ErrNoFrame = errors.New("camera: 新しいフレームがありません")

// Frame は1枚のJPEG画像を表す
// Publish後のDataは変更しないこと（複数の視聴者で共有される）
type Frame struct {
	ID      string    // 同一性の判定に使う識別子
	Name    string    // ファイル名（表示・ログ用）
	Data    []byte    // JPEG画像データ
	ModTime time.Time // 生成時刻
}

// Size はフレームのバイト数を返す
func (f *Frame) Size() int {
	return len(f.Data)
}

// Source は全てのフレーム取得方式を統一するインターフェース
type Source interface {
	// Latest は最新のフレームを返す
	// 最新フレームのIDが after と同じ場合は ErrNoFrame を返す
	Latest(ctx context.Context, after string) (*Frame, error)

	// PollInterval はストリームループの反復間隔を返す
	PollInterval() time.Duration
}

var (
	beginOfJPEG = []byte{0xff, 0xd8}
	endOfJPEG   = []byte{0xff, 0xd9}
)

// IsCompleteJPEG はデータがSOIで始まりEOIで終わるかを確認する
// 書き込み途中のファイルを読んだ場合を弾くために使う
func IsCompleteJPEG(data []byte) bool {
	return len(data) >= 4 && bytes.HasPrefix(data, beginOfJPEG) && bytes.HasSuffix(data, endOfJPEG)
}
