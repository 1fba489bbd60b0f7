package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"camstream/internal/camera"
)

var partTerminator = []byte("\r\n")

// streamHeader はマルチパート配信のレスポンスヘッダーを返す
func streamHeader(boundary string) []byte {
	return []byte("HTTP/1.1 200 OK\r\n" +
		"Content-Type: multipart/x-mixed-replace; boundary=" + boundary + "\r\n" +
		"Cache-Control: no-cache, no-store, must-revalidate\r\n" +
		"Pragma: no-cache\r\n" +
		"Expires: 0\r\n" +
		"Connection: close\r\n" +
		"\r\n")
}

// partHeader は1パート分の境界行とヘッダーを返す
func partHeader(boundary string, size int) []byte {
	return fmt.Appendf(nil, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, size)
}

// writeFramePart は境界行とヘッダー、JPEG本体、終端の改行を順に書き込む
// TCP接続ではまとめて1回のwritevになる
func writeFramePart(w io.Writer, boundary string, data []byte) error {
	buffers := net.Buffers{partHeader(boundary, len(data)), data, partTerminator}
	_, err := buffers.WriteTo(w)
	return err
}

// admit は配信枠を確保する。上限に達していれば false
func (s *Server) admit() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

// serveStream はクライアントが切断するかサーバーが停止するまでフレームを送り続ける
func (s *Server) serveStream(conn net.Conn, logger *log.Entry) {
	if !s.admit() {
		s.stats.rejected.Add(1)
		logger.WithField("max_streams", s.config.Stream.MaxStreams).Warn("配信数が上限に達しているため拒否しました")
		writeResponse(conn, unavailableResponse, s.config.Server.WriteTimeout)
		return
	}
	defer s.release()

	s.stats.activeStreams.Add(1)
	defer s.stats.activeStreams.Add(-1)

	boundary := s.config.Stream.Boundary
	if err := s.write(conn, func() error {
		_, err := conn.Write(streamHeader(boundary))
		return err
	}); err != nil {
		logger.WithError(err).Debug("ヘッダーの送信に失敗しました")
		return
	}

	logger.Info("ストリーム配信を開始しました")
	defer logger.Info("ストリーム配信を終了しました")

	source := s.Source()
	var (
		lastID    string
		failures  int
		sent      int64
		lastSweep = time.Now()
	)

	for s.running.Load() {
		frame, err := source.Latest(s.ctx, lastID)
		switch {
		case err == nil:
			failures = 0
			if frame.ID == lastID {
				break
			}
			if err := s.write(conn, func() error {
				return writeFramePart(conn, boundary, frame.Data)
			}); err != nil {
				logger.WithError(err).WithField("frames", sent).Debug("クライアントが切断しました")
				return
			}
			lastID = frame.ID
			sent++
			s.stats.framesSent.Add(1)

		case errors.Is(err, camera.ErrNoFrame):
			failures = 0

		default:
			failures++
			if limit := s.config.Stream.MaxFetchFailures; limit > 0 && failures >= limit {
				logger.WithError(err).WithField("failures", failures).Warn("フレームの取得に連続して失敗したため配信を終了します")
				return
			}
			logger.WithError(err).Debug("フレームの取得に失敗しました")
			if !s.sleep(s.config.Stream.FailureBackoff) {
				return
			}
			continue
		}

		if s.sweeper != nil && time.Since(lastSweep) >= s.config.Retention.Interval {
			s.sweeper.MaybeSweep()
			lastSweep = time.Now()
		}

		if !s.sleep(source.PollInterval()) {
			return
		}
	}
}

// write は書き込みタイムアウトを設定してから fn を実行する
func (s *Server) write(conn net.Conn, fn func() error) error {
	if timeout := s.config.Server.WriteTimeout; timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return fn()
}

// sleep は d だけ待つ。停止が始まれば false を返す
func (s *Server) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.running.Load()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
