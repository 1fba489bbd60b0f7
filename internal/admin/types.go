package admin

import (
	"time"

	"camstream/internal/camera"
	"camstream/internal/pipeline"
)

// Backend は管理APIが参照する配信サーバーの機能
type Backend interface {
	// Status は現在の状態と統計を返す
	Status() Status
	// Source はフレームの取得元を返す
	Source() camera.Source
}

// Status は /api/status のレスポンス
type Status struct {
	Status string     `json:"status"` // running または stopped
	Mode   string     `json:"mode"`   // simple または video
	Server ServerInfo `json:"server"`

	// videoモードのみ
	Pipeline *pipeline.Status `json:"pipeline,omitempty"`

	ActiveStreams    int64   `json:"active_streams"`
	TotalConnections int64   `json:"total_connections"`
	RejectedStreams  int64   `json:"rejected_streams"`
	FramesSent       int64   `json:"frames_sent"`
	FramesRemoved    int64   `json:"frames_removed"`
	UptimeSeconds    float64 `json:"uptime_seconds"`

	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はストリーム配信サーバーのアドレス
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// HealthResponse は /health のレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
