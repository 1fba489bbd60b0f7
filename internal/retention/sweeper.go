// Package retention は出力ディレクトリの古いフレームファイルを削除する
//
// 削除するのはSweeperだけで、ストリーム配信側は読み込みのみを行う。
// 新しい順に keep 枚を残し、それ以外を削除する。
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"camstream/internal/camera"
)

// Sweeper は出力ディレクトリのフレーム数を保持数以下に保つ
type Sweeper struct {
	dir      string
	keep     int
	interval time.Duration

	lastSweep atomic.Int64 // UnixNano
	removed   atomic.Int64
}

// DefaultInterval は interval に0以下が渡されたときの掃除間隔
const DefaultInterval = 5 * time.Second

// NewSweeper は新しいSweeperを作成する
func NewSweeper(dir string, keep int, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		dir:      dir,
		keep:     keep,
		interval: interval,
	}
}

// Sweep は新しい順に keep 枚を残してそれ以外を削除し、削除数を返す
func (s *Sweeper) Sweep() (int, error) {
	files, err := camera.ListFrames(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("出力ディレクトリの読み込みに失敗: %w", err)
	}

	if len(files) <= s.keep {
		return 0, nil
	}

	removed := 0
	for _, file := range files[s.keep:] {
		if err := os.Remove(file.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			log.WithError(err).WithField("file", file.Name).Warn("古いフレームの削除に失敗しました")
			continue
		}
		removed++
	}

	s.removed.Add(int64(removed))
	return removed, nil
}

// MaybeSweep は前回の掃除から interval 以上経過していれば掃除する
// 複数の視聴者から同時に呼ばれても実行されるのは1回だけ
func (s *Sweeper) MaybeSweep() bool {
	now := time.Now().UnixNano()
	last := s.lastSweep.Load()
	if now-last < s.interval.Nanoseconds() {
		return false
	}
	if !s.lastSweep.CompareAndSwap(last, now) {
		return false
	}

	if n, err := s.Sweep(); err != nil {
		log.WithError(err).Warn("フレームの掃除に失敗しました")
	} else if n > 0 {
		log.WithField("removed", n).Debug("古いフレームを削除しました")
	}
	return true
}

// Run は interval 毎に掃除を行う。ctx がキャンセルされるまでブロックする
// 視聴者がいない間もディレクトリが肥大化しないようにするためのもの
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.MaybeSweep()
		}
	}
}

// Removed はこれまでに削除したファイル数を返す
func (s *Sweeper) Removed() int64 {
	return s.removed.Load()
}
