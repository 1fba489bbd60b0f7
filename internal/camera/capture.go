package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// CommandCapturer は呼び出し毎に外部コマンドで1枚撮影する
// 各視聴者のループがそれぞれコマンドを起動するため、撮影負荷は視聴者数に比例する
type CommandCapturer struct {
	path     string
	args     []string
	tempDir  string
	interval time.Duration
	timeout  time.Duration
}

// NewCommandCapturer は新しいCommandCapturerを作成する
// argv の {output} は撮影毎に作る一時ファイルのパスに置換される
func NewCommandCapturer(argv []string, tempDir string, interval time.Duration) (*CommandCapturer, error) {
	if len(argv) == 0 {
		return nil, errors.New("キャプチャコマンドが空です")
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return &CommandCapturer{
		path:     argv[0],
		args:     argv[1:],
		tempDir:  tempDir,
		interval: interval,
		timeout:  10 * time.Second,
	}, nil
}

// PollInterval はストリームループの反復間隔を返す
func (c *CommandCapturer) PollInterval() time.Duration {
	return c.interval
}

// Latest はコマンドを同期実行して撮影したフレームを返す
// 一時ファイルは読み込み後に必ず削除する
func (c *CommandCapturer) Latest(ctx context.Context, _ string) (*Frame, error) {
	tmp, err := os.CreateTemp(c.tempDir, "capture-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	output := tmp.Name()
	_ = tmp.Close()
	defer func() {
		_ = os.Remove(output)
	}()

	captureCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := ExpandArgs(c.args, map[string]string{"output": output})
	cmd := exec.CommandContext(captureCtx, c.path, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("フレームキャプチャに失敗: %w (stderr: %s)", err, stderr.String())
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("キャプチャ画像の読み込みに失敗: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s が空のフレームを返しました", c.path)
	}

	return &Frame{
		ID:      uuid.NewString(),
		Name:    filepath.Base(output),
		Data:    data,
		ModTime: time.Now(),
	}, nil
}
