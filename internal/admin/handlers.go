package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"camstream/internal/camera"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsFailureBackoff = 100 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handler は管理APIのエンドポイントを実装する
type handler struct {
	backend Backend
	ctx     context.Context
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus は状態取得エンドポイントの実装
func (h *handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.backend.Status())
}

// GetOpenAPI は埋め込みのOpenAPIドキュメントを返す
func (h *handler) GetOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", openapiSpec)
}

// NotFound は未定義のパスへのレスポンス
func (h *handler) NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:     "not_found",
		Message:   "指定されたパスは存在しません",
		Timestamp: time.Now(),
	})
}

// StreamWebSocket は新しいフレームをバイナリメッセージとして送り続ける
func (h *handler) StreamWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("WebSocketへの切り替えに失敗しました")
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	// クライアントからのメッセージは読み捨て、切断の検知にだけ使う
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := log.WithField("client", c.ClientIP())
	logger.Info("WebSocket配信を開始しました")
	defer logger.Info("WebSocket配信を終了しました")

	source := h.backend.Source()
	var lastID string

	for {
		wait := source.PollInterval()

		frame, err := source.Latest(ctx, lastID)
		switch {
		case err == nil && frame.ID != lastID:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				logger.WithError(err).Debug("フレームの送信に失敗しました")
				return
			}
			lastID = frame.ID
		case err != nil && !errors.Is(err, camera.ErrNoFrame):
			wait = wsFailureBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case <-timer.C:
		}
	}
}
