// Package admin は管理用のHTTP APIを提供する
//
// ストリーム配信用のポートとは別のポートで待ち受け、
// ヘルスチェック、状態取得、OpenAPIドキュメント、WebSocketでのフレーム配信を扱う。
// 配信ポートのリクエスト振り分けには関与しない。
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server は管理APIのHTTPサーバー
type Server struct {
	addr       string
	backend    Backend
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	spec       *openapi3.T

	// WebSocket接続はShutdownの対象外なので、このコンテキストで終了させる
	ctx    context.Context
	cancel context.CancelFunc
}

// New は新しい管理APIサーバーを作成する
func New(addr string, backend Backend) (*Server, error) {
	spec, err := LoadSpec(context.Background())
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:    addr,
		backend: backend,
		engine:  engine,
		spec:    spec,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.setupRoutes()

	if err := s.checkRoutes(); err != nil {
		cancel()
		return nil, err
	}

	s.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// setupRoutes はルーティングを設定する
func (s *Server) setupRoutes() {
	h := &handler{backend: s.backend, ctx: s.ctx}

	s.engine.GET("/health", h.HealthCheck)
	s.engine.GET("/api/status", h.GetStatus)
	s.engine.GET("/api/openapi.yaml", h.GetOpenAPI)
	s.engine.GET("/ws", h.StreamWebSocket)
	s.engine.NoRoute(h.NotFound)
}

// checkRoutes はOpenAPIドキュメントに記載された操作が全て登録されているか確認する
func (s *Server) checkRoutes() error {
	registered := make(map[string]bool)
	for _, route := range s.engine.Routes() {
		registered[route.Method+" "+route.Path] = true
	}

	for path, item := range s.spec.Paths.Map() {
		for method := range item.Operations() {
			if !registered[method+" "+path] {
				return fmt.Errorf("OpenAPIドキュメントの %s %s が登録されていません", method, path)
			}
		}
	}
	return nil
}

// Handler はHTTPハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen はポートを確保する。確保できなければエラーを返す
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("管理APIのリッスンに失敗: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve はListen済みのポートでリクエストを処理する。Shutdownまでブロックする
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("管理APIがListenされていません")
	}

	log.Printf("管理APIを起動しています: %s", s.listener.Addr())
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("管理APIの起動に失敗: %w", err)
	}
	return nil
}

// Addr はリッスン中のアドレスを返す
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown は管理APIをグレースフルにシャットダウンする
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.listener == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("管理APIのシャットダウンに失敗: %w", err)
	}
	return nil
}

// requestLogger はリクエスト毎にアクセスログを出力するミドルウェア
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
			"client":  c.ClientIP(),
		}).Debug("管理APIへのリクエスト")
	}
}
