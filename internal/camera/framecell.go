package camera

import (
	"sync"
)

// FrameCell は最新フレームを1枚だけ保持する共有セル
// 古いフレームは上書きされ、キューには積まない
type FrameCell struct {
	mu      sync.RWMutex
	frame   *Frame
	version uint64
}

// Store はフレームを保存する
// 既に保持しているフレームより古いものは捨て、保存したかどうかを返す
func (c *FrameCell) Store(frame *Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frame != nil {
		if frame.ID == c.frame.ID || frame.ModTime.Before(c.frame.ModTime) {
			return false
		}
	}

	c.frame = frame
	c.version++
	return true
}

// Load は最新フレームとバージョンを返す
// 返したフレームは呼び出し側で変更しないこと
func (c *FrameCell) Load() (*Frame, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frame, c.version
}
