package server

import (
	"net"
	"sync/atomic"
	"time"

	"camstream/internal/admin"
)

// stats は配信の統計
type stats struct {
	activeStreams atomic.Int64
	connections   atomic.Int64
	rejected      atomic.Int64
	framesSent    atomic.Int64
	startedAt     time.Time
}

// Status は現在の状態と統計を返す
func (s *Server) Status() admin.Status {
	status := admin.Status{
		Status: "stopped",
		Mode:   string(s.config.Camera.Mode),
		Server: admin.ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		ActiveStreams:    s.stats.activeStreams.Load(),
		TotalConnections: s.stats.connections.Load(),
		RejectedStreams:  s.stats.rejected.Load(),
		FramesSent:       s.stats.framesSent.Load(),
		Timestamp:        time.Now(),
	}

	if s.running.Load() {
		status.Status = "running"
		status.UptimeSeconds = time.Since(s.stats.startedAt).Seconds()
	}
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		status.Server.Port = addr.Port
	}
	if s.supervisor != nil {
		pipelineStatus := s.supervisor.Status()
		status.Pipeline = &pipelineStatus
	}
	if s.sweeper != nil {
		status.FramesRemoved = s.sweeper.Removed()
	}

	return status
}
