package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// WatchedSource は出力ディレクトリの変更通知で最新フレームを更新する
// ファイルの読み込みは通知1回につき1度だけで、視聴者数には比例しない
type WatchedSource struct {
	dir      string
	interval time.Duration
	watcher  *fsnotify.Watcher
	cell     FrameCell

	// 制御用
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWatchedSource は新しいWatchedSourceを作成する
// ディレクトリが存在しない場合は作成する
func NewWatchedSource(dir string, interval time.Duration) (*WatchedSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ディレクトリ監視の作成に失敗: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("ディレクトリ監視の登録に失敗: %w", err)
	}

	return &WatchedSource{
		dir:      dir,
		interval: interval,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start は既存の最新ファイルを読み込み、監視ゴルーチンを開始する
func (s *WatchedSource) Start(ctx context.Context) {
	if files, err := ListFrames(s.dir); err == nil && len(files) > 0 {
		s.load(files[0].Path)
	}

	s.wg.Add(1)
	go s.watch(ctx)
}

// Close は監視を停止する
func (s *WatchedSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

// PollInterval はストリームループの反復間隔を返す
func (s *WatchedSource) PollInterval() time.Duration {
	return s.interval
}

// Latest は共有セルの最新フレームを返す
func (s *WatchedSource) Latest(_ context.Context, after string) (*Frame, error) {
	frame, _ := s.cell.Load()
	if frame == nil || frame.ID == after {
		return nil, ErrNoFrame
	}
	return frame, nil
}

// watch はfsnotifyのイベントを処理する
func (s *WatchedSource) watch(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isFrameName(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				s.load(event.Name)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("ディレクトリ監視でエラーが発生しました")
		}
	}
}

// load はファイルを読み込み、完全なJPEGであればセルに保存する
func (s *WatchedSource) load(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil || !IsCompleteJPEG(data) {
		return
	}

	file := FrameFile{
		Name:    filepath.Base(path),
		Path:    path,
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}
	if s.cell.Store(&Frame{ID: file.ID(), Name: file.Name, Data: data, ModTime: file.ModTime}) {
		log.WithField("frame", file.Name).Debug("最新フレームを更新しました")
	}
}
