// Package pipeline はカメラのキャプチャコマンドとトランスコーダーを管理する
//
// キャプチャコマンドは名前付きパイプにH.264を書き込み、トランスコーダーが
// そこから読み込んで出力ディレクトリにJPEGを書き出す。
// トランスコーダーの生存を定期的に確認し、停止していれば両方を起動し直す。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"camstream/internal/camera"
)

var (
	// ErrAlreadyStarted は起動済みのSupervisorを再度起動しようとしたときのエラー
	ErrAlreadyStarted = errors.New("パイプラインは既に起動しています")

	errStopping = errors.New("停止要求を受けました")
)

// Supervisor はパイプラインの起動、監視、再起動、停止を行う
type Supervisor struct {
	opts Options

	mu         sync.RWMutex
	state      State
	started    bool
	capture    *process
	transcoder *process
	restarts   int
	stopCh     chan struct{}

	alive atomic.Bool
	wg    sync.WaitGroup
}

// NewSupervisor は新しいSupervisorを作成する
func NewSupervisor(opts Options) *Supervisor {
	if opts.Prober == nil {
		opts.Prober = ProcessAlive
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Supervisor{
		opts:  opts,
		state: StateStopped,
	}
}

// Start はパイプラインを起動し、監視ゴルーチンを開始する
// 名前付きパイプを作成できない場合はエラーを返す。
// プロセスの起動失敗はエラーにせず、再起動の対象として扱う。
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.state = StateStarting
	s.restarts = 0
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.prepare(); err != nil {
		s.mu.Lock()
		s.started = false
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}

	launchErr := s.launch(ctx)
	if launchErr != nil {
		log.WithError(launchErr).Error("パイプラインの起動に失敗しました")
	}

	s.wg.Add(1)
	go s.monitor(ctx, launchErr != nil)

	return nil
}

// prepare は出力ディレクトリと名前付きパイプを用意する
func (s *Supervisor) prepare() error {
	if err := os.MkdirAll(s.opts.OutputDir, 0755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	if err := os.Remove(s.opts.FifoPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("既存の名前付きパイプの削除に失敗: %w", err)
	}
	if err := unix.Mkfifo(s.opts.FifoPath, 0666); err != nil {
		return fmt.Errorf("名前付きパイプの作成に失敗: %w", err)
	}

	log.WithFields(log.Fields{
		"fifo":       s.opts.FifoPath,
		"output_dir": s.opts.OutputDir,
	}).Debug("名前付きパイプを作成しました")
	return nil
}

// vars は引数のプレースホルダに入る値を返す
func (s *Supervisor) vars() map[string]string {
	return map[string]string{
		"fifo":       s.opts.FifoPath,
		"output_dir": s.opts.OutputDir,
		"width":      strconv.Itoa(s.opts.Width),
		"height":     strconv.Itoa(s.opts.Height),
		"fps":        strconv.Itoa(s.opts.FPS),
	}
}

// launch はキャプチャコマンド、少し待ってからトランスコーダーの順で起動する
func (s *Supervisor) launch(ctx context.Context) error {
	s.setState(StateStarting)
	vars := s.vars()

	capture, err := startProcess("capture", s.opts.Capture, camera.ExpandArgs(s.opts.Capture.Args, vars))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.capture = capture
	s.mu.Unlock()

	log.WithField("pid", capture.pid()).Info("キャプチャコマンドを起動しました")

	if !s.sleep(ctx, s.opts.LaunchPause) {
		return errStopping
	}

	transcoder, err := startProcess("transcoder", s.opts.Transcode, camera.ExpandArgs(s.opts.Transcode.Args, vars))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.transcoder = transcoder
	s.state = StateRunning
	s.mu.Unlock()
	s.alive.Store(true)

	log.WithField("pid", transcoder.pid()).Info("トランスコーダーを起動しました")
	return nil
}

// monitor は一定間隔でトランスコーダーの生存を確認する
func (s *Supervisor) monitor(ctx context.Context, needRestart bool) {
	defer s.wg.Done()

	if needRestart && !s.restart(ctx) {
		return
	}

	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.probe() {
				continue
			}
			log.Warn("トランスコーダーの停止を検知しました")
			if !s.restart(ctx) {
				return
			}
		}
	}
}

// probe はトランスコーダーが生きているかを返す
func (s *Supervisor) probe() bool {
	s.mu.RLock()
	transcoder := s.transcoder
	s.mu.RUnlock()

	if transcoder == nil || transcoder.exited() {
		s.alive.Store(false)
		return false
	}

	alive := s.opts.Prober(transcoder.pid())
	s.alive.Store(alive)
	return alive
}

// restart は起動に成功するまで再起動を繰り返す
// 毎回、出力ディレクトリと名前付きパイプの用意からやり直す
// 停止要求を受けたか再起動回数の上限に達した場合は false を返す
func (s *Supervisor) restart(ctx context.Context) bool {
	for {
		s.alive.Store(false)

		s.mu.Lock()
		if s.opts.MaxRestarts > 0 && s.restarts >= s.opts.MaxRestarts {
			s.mu.Unlock()
			log.WithField("max_restarts", s.opts.MaxRestarts).Error("再起動回数の上限に達したため監視を終了します")
			s.stopProcesses()
			s.setState(StateStopped)
			return false
		}
		s.restarts++
		restarts := s.restarts
		s.state = StateRestarting
		s.mu.Unlock()

		s.stopProcesses()

		log.WithFields(log.Fields{
			"restarts": restarts,
			"delay":    s.opts.RestartDelay,
		}).Info("パイプラインを再起動します")

		if !s.sleep(ctx, s.opts.RestartDelay) {
			return false
		}

		// 名前付きパイプには停止したキャプチャの書き残しがあり得るため作り直す
		err := s.prepare()
		if err == nil {
			err = s.launch(ctx)
		}
		if err == nil {
			return true
		}
		if errors.Is(err, errStopping) {
			return false
		}
		log.WithError(err).Error("パイプラインの再起動に失敗しました")
	}
}

// stopProcesses は起動中のプロセスをトランスコーダー、キャプチャの順で停止する
func (s *Supervisor) stopProcesses() {
	s.mu.Lock()
	transcoder, capture := s.transcoder, s.capture
	s.transcoder, s.capture = nil, nil
	s.mu.Unlock()

	if transcoder != nil {
		transcoder.stop(s.opts.StopTimeout)
	}
	if capture != nil {
		capture.stop(s.opts.StopTimeout)
	}
}

// sleep は d だけ待つ。停止要求かキャンセルがあれば false を返す
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Stop はプロセスを停止し、名前付きパイプと出力ディレクトリを削除する
// 起動していない場合は何もしない
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.stopProcesses()
	s.alive.Store(false)
	s.setState(StateStopped)

	var errs []error
	if err := os.Remove(s.opts.FifoPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("名前付きパイプの削除に失敗: %w", err))
	}
	if err := os.RemoveAll(s.opts.OutputDir); err != nil {
		errs = append(errs, fmt.Errorf("出力ディレクトリの削除に失敗: %w", err))
	}

	log.Info("パイプラインを停止しました")
	return errors.Join(errs...)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State は現在の状態を返す
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PID はトランスコーダーのプロセスIDを返す。起動していなければ 0
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transcoder == nil {
		return 0
	}
	return s.transcoder.pid()
}

// Restarts はこれまでの再起動回数を返す
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// Running は直近の確認でトランスコーダーが生きていたかを返す
func (s *Supervisor) Running() bool {
	return s.alive.Load()
}

// Status は現在の状態をまとめて返す
func (s *Supervisor) Status() Status {
	return Status{
		State:    s.State(),
		PID:      s.PID(),
		Alive:    s.Running(),
		Restarts: s.Restarts(),
	}
}
