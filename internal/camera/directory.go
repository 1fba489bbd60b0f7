package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FrameFile は出力ディレクトリ内のフレームファイルの情報
type FrameFile struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// ID はファイル名と更新時刻から識別子を作る
// 同名ファイルが上書きされた場合は別のフレームとして扱う
func (f FrameFile) ID() string {
	return fmt.Sprintf("%s@%d", f.Name, f.ModTime.UnixNano())
}

// isFrameName はJPEGの拡張子を持つかチェックする
func isFrameName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}

// ListFrames はディレクトリ内のJPEGファイルを新しい順に返す
// 更新時刻が同じ場合は名前の降順（タイムスタンプ名の新しい順）
func ListFrames(dir string) ([]FrameFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]FrameFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isFrameName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// 一覧取得後に削除された
			continue
		}
		files = append(files, FrameFile{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Name > files[j].Name
		}
		return files[i].ModTime.After(files[j].ModTime) // DESC
	})

	return files, nil
}

// DirectorySource は出力ディレクトリをポーリングして最新フレームを返す
type DirectorySource struct {
	dir      string
	interval time.Duration
}

// NewDirectorySource は新しいDirectorySourceを作成する
func NewDirectorySource(dir string, interval time.Duration) *DirectorySource {
	return &DirectorySource{
		dir:      dir,
		interval: interval,
	}
}

// PollInterval はストリームループの反復間隔を返す
func (s *DirectorySource) PollInterval() time.Duration {
	return s.interval
}

// Latest は更新時刻が最新のJPEGファイルを読み込んで返す
func (s *DirectorySource) Latest(_ context.Context, after string) (*Frame, error) {
	files, err := ListFrames(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoFrame
		}
		return nil, fmt.Errorf("出力ディレクトリの読み込みに失敗: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrNoFrame
	}

	newest := files[0]
	id := newest.ID()
	if id == after {
		return nil, ErrNoFrame
	}

	data, err := os.ReadFile(newest.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// 掃除と競合した場合は次の反復に回す
			return nil, ErrNoFrame
		}
		return nil, fmt.Errorf("フレームの読み込みに失敗: %w", err)
	}
	if !IsCompleteJPEG(data) {
		// 書き込み途中
		return nil, ErrNoFrame
	}

	return &Frame{
		ID:      id,
		Name:    newest.Name,
		Data:    data,
		ModTime: newest.ModTime,
	}, nil
}
