package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"camstream/internal/admin"
	"camstream/internal/camera"
	"camstream/internal/config"
	"camstream/internal/pipeline"
	"camstream/internal/retention"
)

// ErrAlreadyRunning は起動済みのサーバーを再度起動しようとしたときのエラー
var ErrAlreadyRunning = errors.New("サーバーは既に起動しています")

// defaultAcceptTimeout は accept_timeout に0以下が指定されたときの待機上限
const defaultAcceptTimeout = 100 * time.Millisecond

// Server はストリーム配信サーバーを管理する構造体
type Server struct {
	config *config.Config

	sourceMu   sync.RWMutex
	source     camera.Source
	supervisor *pipeline.Supervisor  // videoモードのみ
	sweeper    *retention.Sweeper    // videoモードのみ
	watcher    *camera.WatchedSource // camera.watch が有効な場合のみ
	admin      *admin.Server         // admin.enabled が有効な場合のみ
	slots      chan struct{}         // 同時配信数の上限。nil は無制限
	external   bool                  // WithSource で差し替えられた
	listener   *net.TCPListener

	running    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	acceptDone chan struct{}
	errCh      chan error

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	connWG sync.WaitGroup

	stats stats
}

// Option はServerの生成オプション
type Option func(*Server)

// WithSource はフレームの取得元を差し替える
// 差し替えた場合はパイプラインと掃除を起動しない
func WithSource(source camera.Source) Option {
	return func(s *Server) {
		s.source = source
		s.external = true
	}
}

// New は新しいServerインスタンスを作成する
// プロセスの起動やポートの確保はStartまで行わない
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		config: cfg,
		conns:  make(map[net.Conn]struct{}),
		errCh:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if !s.external {
		if err := s.setupSource(); err != nil {
			return nil, err
		}
	}

	if cfg.Stream.MaxStreams > 0 {
		s.slots = make(chan struct{}, cfg.Stream.MaxStreams)
	}

	if cfg.Admin.Enabled {
		adminServer, err := admin.New(cfg.AdminAddress(), s)
		if err != nil {
			return nil, err
		}
		s.admin = adminServer
	}

	return s, nil
}

// setupSource はカメラモードに応じてフレームの取得元を組み立てる
func (s *Server) setupSource() error {
	cfg := s.config

	switch cfg.Camera.Mode {
	case config.ModeSimple:
		capturer, err := camera.NewCommandCapturer(cfg.Camera.Command, "", cfg.Camera.PollInterval)
		if err != nil {
			return err
		}
		s.source = capturer

		log.WithField("max_streams", cfg.Stream.MaxStreams).
			Warn("simpleモードでは視聴者毎にキャプチャコマンドを実行します。撮影負荷は視聴者数に比例します")

	case config.ModeVideo:
		capture, err := pipeline.CommandFromArgv(cfg.Pipeline.CaptureCommand)
		if err != nil {
			return fmt.Errorf("capture_command: %w", err)
		}
		transcode, err := pipeline.CommandFromArgv(cfg.Pipeline.TranscodeCommand)
		if err != nil {
			return fmt.Errorf("transcode_command: %w", err)
		}

		s.supervisor = pipeline.NewSupervisor(pipeline.Options{
			FifoPath:      cfg.Pipeline.FifoPath,
			OutputDir:     cfg.Pipeline.OutputDir,
			Capture:       capture,
			Transcode:     transcode,
			Width:         cfg.Camera.Width,
			Height:        cfg.Camera.Height,
			FPS:           cfg.Camera.FPS,
			LaunchPause:   cfg.Pipeline.LaunchPause,
			ProbeInterval: cfg.Pipeline.ProbeInterval,
			RestartDelay:  cfg.Pipeline.RestartDelay,
			StopTimeout:   cfg.Pipeline.StopTimeout,
			MaxRestarts:   cfg.Pipeline.MaxRestarts,
		})
		s.sweeper = retention.NewSweeper(cfg.Pipeline.OutputDir, cfg.Retention.Keep, cfg.Retention.Interval)

		// watch が有効な場合はStartで監視を始めてから差し替える
		s.source = camera.NewDirectorySource(cfg.Pipeline.OutputDir, cfg.Camera.PollInterval)

	default:
		return fmt.Errorf("無効なカメラモード: %q", cfg.Camera.Mode)
	}

	return nil
}

// Listen はパイプラインと待ち受けを開始し、すぐに戻る
// 名前付きパイプの作成やポートの確保に失敗した場合はエラーを返す
func (s *Server) Listen(ctx context.Context) error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.supervisor != nil {
		if err := s.supervisor.Start(s.ctx); err != nil {
			s.cancel()
			return fmt.Errorf("パイプラインの起動に失敗: %w", err)
		}
	}

	if err := s.listen(); err != nil {
		s.abort()
		return err
	}

	if s.admin != nil {
		if err := s.admin.Listen(); err != nil {
			_ = s.listener.Close()
			s.abort()
			return err
		}
		go func() {
			if err := s.admin.Serve(); err != nil {
				select {
				case s.errCh <- err:
				default:
				}
			}
		}()
	}

	if s.config.Camera.Watch && s.supervisor != nil {
		watcher, err := camera.NewWatchedSource(s.config.Pipeline.OutputDir, s.config.Camera.PollInterval)
		if err != nil {
			log.WithError(err).Warn("出力ディレクトリを監視できないためポーリングで配信します")
		} else {
			watcher.Start(s.ctx)
			s.watcher = watcher
			s.setSource(watcher)
		}
	}

	if s.sweeper != nil && s.config.Retention.Background {
		go s.sweeper.Run(s.ctx)
	}

	s.stats.startedAt = time.Now()
	s.running.Store(true)
	s.acceptDone = make(chan struct{})
	go s.acceptLoop()

	log.Printf("ストリーム配信サーバーを起動しました: %s (mode=%s)", s.listener.Addr(), s.config.Camera.Mode)
	return nil
}

// listen はSO_REUSEADDRを設定してTCPポートを確保する
func (s *Server) listen() error {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	ln, err := lc.Listen(s.ctx, "tcp4", s.config.ServerAddress())
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.listener = ln.(*net.TCPListener)
	return nil
}

// abort は起動途中で失敗したときに起動済みのものを片付ける
func (s *Server) abort() {
	s.cancel()
	if s.supervisor != nil {
		if err := s.supervisor.Stop(); err != nil {
			log.WithError(err).Warn("パイプラインの停止に失敗しました")
		}
	}
}

// Start はサーバーを起動し、コンテキストのキャンセルかシグナルを受けるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-s.errCh:
		_ = s.Shutdown()
		return err
	}

	return s.Shutdown()
}

// acceptLoop は running の間、接続を受け付けて個別のゴルーチンに渡す
// 待機に期限を設けて running の変化を定期的に確認する
func (s *Server) acceptLoop() {
	defer close(s.acceptDone)

	timeout := s.config.Server.AcceptTimeout
	if timeout <= 0 {
		timeout = defaultAcceptTimeout
	}

	for s.running.Load() {
		_ = s.listener.SetDeadline(time.Now().Add(timeout))

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("接続の受け付けに失敗しました")
			continue
		}

		s.track(conn)
		go s.handleConn(conn)
	}
}

// track は接続を管理対象に加える
func (s *Server) track(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	s.connWG.Add(1)
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	s.connWG.Done()
}

// handleConn は1つの接続を処理する。戻るときに接続を閉じる
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	s.stats.connections.Add(1)
	logger := log.WithFields(log.Fields{
		"conn":   uuid.NewString(),
		"remote": conn.RemoteAddr().String(),
	})

	if timeout := s.config.Server.ReadTimeout; timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}

	buf := make([]byte, requestBufferSize)
	n, err := conn.Read(buf)
	if n <= 0 {
		logger.WithError(err).Debug("リクエストを受信できなかったため切断します")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	route := Classify(buf[:n])
	logger.WithField("route", route).Debug("リクエストを受信しました")

	switch route {
	case RouteStream:
		s.serveStream(conn, logger)
	case RouteIndex:
		writeResponse(conn, indexResponse, s.config.Server.WriteTimeout)
	default:
		writeResponse(conn, notFoundResponse, s.config.Server.WriteTimeout)
	}
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// 接続の終了を shutdown_timeout まで待ち、その後パイプラインを停止する
func (s *Server) Shutdown() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	log.Println("サーバーをシャットダウンしています...")

	s.cancel()
	_ = s.listener.Close()
	<-s.acceptDone

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	timeout := s.config.Server.ShutdownTimeout
	select {
	case <-done:
	case <-time.After(timeout):
		log.WithField("timeout", timeout).Warn("接続が終了しないため強制的に閉じます")
		s.closeConns()
		<-done
	}

	var errs []error

	if s.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("出力ディレクトリの監視の終了に失敗: %w", err))
		}
	}

	if s.supervisor != nil {
		if err := s.supervisor.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("パイプラインの停止に失敗: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}

// closeConns は残っている接続を全て閉じる
func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Addr はリッスン中のアドレスを返す
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr は管理APIのリッスン中のアドレスを返す
func (s *Server) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.Addr()
}

// Running はサーバーが配信中かを返す
func (s *Server) Running() bool {
	return s.running.Load()
}

// Source はフレームの取得元を返す
func (s *Server) Source() camera.Source {
	s.sourceMu.RLock()
	defer s.sourceMu.RUnlock()
	return s.source
}

func (s *Server) setSource(source camera.Source) {
	s.sourceMu.Lock()
	s.source = source
	s.sourceMu.Unlock()
}

// Supervisor はパイプラインを返す。simpleモードでは nil
func (s *Server) Supervisor() *pipeline.Supervisor {
	return s.supervisor
}
