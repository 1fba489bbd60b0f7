package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// jpegBytes はSOI/EOIで囲んだテスト用のJPEGデータを返す
func jpegBytes(payload string) []byte {
	data := append([]byte{}, beginOfJPEG...)
	data = append(data, payload...)
	return append(data, endOfJPEG...)
}

// writeFrame はテスト用のフレームファイルを作成し、更新時刻を設定する
func writeFrame(t *testing.T, dir, name string, data []byte, modTime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("Failed to set mtime: %v", err)
	}
	return path
}

func TestIsCompleteJPEG(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want bool
	}{
		{"完全", jpegBytes("x"), true},
		{"空", nil, false},
		{"EOIなし", append(append([]byte{}, beginOfJPEG...), 'x', 'y'), false},
		{"SOIなし", []byte("xy\xff\xd9"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsCompleteJPEG(tc.data); got != tc.want {
				t.Errorf("IsCompleteJPEG() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestListFrames_Order(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Minute)

	writeFrame(t, dir, "frame_b.jpg", jpegBytes("b"), base.Add(2*time.Second))
	writeFrame(t, dir, "frame_a.jpg", jpegBytes("a"), base.Add(3*time.Second))
	writeFrame(t, dir, "frame_c.jpeg", jpegBytes("c"), base.Add(1*time.Second))
	writeFrame(t, dir, "notes.txt", []byte("ignored"), base.Add(10*time.Second))
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	files, err := ListFrames(dir)
	if err != nil {
		t.Fatalf("ListFrames failed: %v", err)
	}

	want := []string{"frame_a.jpg", "frame_b.jpg", "frame_c.jpeg"}
	if len(files) != len(want) {
		t.Fatalf("Expected %d files, got %d", len(want), len(files))
	}
	for i, name := range want {
		if files[i].Name != name {
			t.Errorf("files[%d] = %s, want %s", i, files[i].Name, name)
		}
	}
}

func TestDirectorySource_Latest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	source := NewDirectorySource(dir, 10*time.Millisecond)

	// ファイルがない間は何も返さない
	if _, err := source.Latest(ctx, ""); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Expected ErrNoFrame for empty dir, got %v", err)
	}

	base := time.Now().Add(-time.Minute)
	writeFrame(t, dir, "frame_1.jpg", jpegBytes("one"), base)

	first, err := source.Latest(ctx, "")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if first.Name != "frame_1.jpg" || string(first.Data) != string(jpegBytes("one")) {
		t.Errorf("Unexpected frame: %s %q", first.Name, first.Data)
	}

	// 同じフレームは返さない
	if _, err := source.Latest(ctx, first.ID); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Expected ErrNoFrame for unchanged frame, got %v", err)
	}

	writeFrame(t, dir, "frame_2.jpg", jpegBytes("two"), base.Add(time.Second))

	second, err := source.Latest(ctx, first.ID)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if second.Name != "frame_2.jpg" {
		t.Errorf("Expected frame_2.jpg, got %s", second.Name)
	}
	if second.ID == first.ID {
		t.Error("Expected distinct ids for distinct files")
	}
}

func TestDirectorySource_IncompleteAndMissing(t *testing.T) {
	ctx := context.Background()

	// 存在しないディレクトリ
	missing := NewDirectorySource(filepath.Join(t.TempDir(), "missing"), 10*time.Millisecond)
	if _, err := missing.Latest(ctx, ""); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame for missing dir, got %v", err)
	}

	// 書き込み途中のファイル
	dir := t.TempDir()
	writeFrame(t, dir, "partial.jpg", []byte{0xff, 0xd8, 0x00, 0x01}, time.Now())
	source := NewDirectorySource(dir, 10*time.Millisecond)
	if _, err := source.Latest(ctx, ""); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame for partial JPEG, got %v", err)
	}
}
