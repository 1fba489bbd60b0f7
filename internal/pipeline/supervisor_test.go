package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// sleeper は終了するまで待ち続けるコマンド
func sleeper() Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", "exec sleep 30"}}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		FifoPath:      filepath.Join(dir, "camera.h264"),
		OutputDir:     filepath.Join(dir, "frames"),
		Capture:       sleeper(),
		Transcode:     sleeper(),
		Width:         640,
		Height:        480,
		FPS:           10,
		LaunchPause:   10 * time.Millisecond,
		ProbeInterval: 20 * time.Millisecond,
		RestartDelay:  20 * time.Millisecond,
		StopTimeout:   500 * time.Millisecond,
	}
}

// waitFor は cond が満たされるまで待つ
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestSupervisor_StartStop(t *testing.T) {
	opts := testOptions(t)
	supervisor := NewSupervisor(opts)

	if supervisor.State() != StateStopped {
		t.Errorf("Expected initial state stopped, got %s", supervisor.State())
	}

	if err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if supervisor.State() != StateRunning {
		t.Errorf("Expected state running, got %s", supervisor.State())
	}
	pid := supervisor.PID()
	if pid <= 0 {
		t.Fatalf("Expected transcoder PID, got %d", pid)
	}
	if !ProcessAlive(pid) {
		t.Error("Expected transcoder to be alive")
	}

	// 名前付きパイプと出力ディレクトリが作成されている
	info, err := os.Stat(opts.FifoPath)
	if err != nil {
		t.Fatalf("Expected fifo to exist: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Errorf("Expected named pipe, got mode %v", info.Mode())
	}
	if _, err := os.Stat(opts.OutputDir); err != nil {
		t.Errorf("Expected output dir to exist: %v", err)
	}

	if err := supervisor.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if supervisor.State() != StateStopped {
		t.Errorf("Expected state stopped, got %s", supervisor.State())
	}
	if supervisor.PID() != 0 {
		t.Errorf("Expected PID 0 after stop, got %d", supervisor.PID())
	}
	if supervisor.Running() {
		t.Error("Expected Running() false after stop")
	}
	if _, err := os.Stat(opts.FifoPath); !os.IsNotExist(err) {
		t.Errorf("Expected fifo to be removed, got %v", err)
	}
	if _, err := os.Stat(opts.OutputDir); !os.IsNotExist(err) {
		t.Errorf("Expected output dir to be removed, got %v", err)
	}
	if ProcessAlive(pid) {
		t.Error("Expected transcoder to be terminated")
	}

	// 2回目のStopは何もしない
	if err := supervisor.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
}

func TestSupervisor_StartTwice(t *testing.T) {
	supervisor := NewSupervisor(testOptions(t))
	if err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = supervisor.Stop() }()

	if err := supervisor.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSupervisor_FifoFailure(t *testing.T) {
	opts := testOptions(t)
	opts.FifoPath = filepath.Join(t.TempDir(), "missing", "camera.h264")

	supervisor := NewSupervisor(opts)
	if err := supervisor.Start(context.Background()); err == nil {
		_ = supervisor.Stop()
		t.Fatal("Expected error when fifo cannot be created")
	}
	if supervisor.State() != StateStopped {
		t.Errorf("Expected state stopped, got %s", supervisor.State())
	}
}

func TestSupervisor_RestartsDeadTranscoder(t *testing.T) {
	supervisor := NewSupervisor(testOptions(t))
	if err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = supervisor.Stop() }()

	oldPID := supervisor.PID()
	if err := unix.Kill(oldPID, unix.SIGKILL); err != nil {
		t.Fatalf("Failed to kill transcoder: %v", err)
	}

	waitFor(t, "restart", func() bool {
		pid := supervisor.PID()
		return supervisor.Restarts() >= 1 && supervisor.State() == StateRunning && pid != 0 && pid != oldPID
	})

	if !ProcessAlive(supervisor.PID()) {
		t.Error("Expected the new transcoder to be alive")
	}
}

func TestSupervisor_RestartRecreatesFifo(t *testing.T) {
	opts := testOptions(t)
	supervisor := NewSupervisor(opts)
	if err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = supervisor.Stop() }()

	// 名前付きパイプと出力ディレクトリを消してからトランスコーダーを止める
	if err := os.Remove(opts.FifoPath); err != nil {
		t.Fatalf("Remove fifo failed: %v", err)
	}
	if err := os.RemoveAll(opts.OutputDir); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	oldPID := supervisor.PID()
	if err := unix.Kill(oldPID, unix.SIGKILL); err != nil {
		t.Fatalf("Failed to kill transcoder: %v", err)
	}

	waitFor(t, "restart", func() bool {
		pid := supervisor.PID()
		return supervisor.State() == StateRunning && pid != 0 && pid != oldPID
	})

	info, err := os.Stat(opts.FifoPath)
	if err != nil {
		t.Fatalf("Expected fifo to be recreated: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Errorf("Expected named pipe, got mode %v", info.Mode())
	}
	if info, err := os.Stat(opts.OutputDir); err != nil || !info.IsDir() {
		t.Errorf("Expected output dir to be recreated: %v", err)
	}
}

func TestSupervisor_RestartRetriesPrepareFailure(t *testing.T) {
	opts := testOptions(t)
	supervisor := NewSupervisor(opts)
	if err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = supervisor.Stop() }()

	// 出力ディレクトリの位置に通常ファイルがある間は用意に失敗し続ける
	if err := os.RemoveAll(opts.OutputDir); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if err := os.WriteFile(opts.OutputDir, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	oldPID := supervisor.PID()
	if err := unix.Kill(oldPID, unix.SIGKILL); err != nil {
		t.Fatalf("Failed to kill transcoder: %v", err)
	}

	waitFor(t, "retries", func() bool { return supervisor.Restarts() >= 2 })
	if supervisor.State() == StateRunning {
		t.Error("Expected the pipeline not to run while the output dir cannot be created")
	}

	if err := os.Remove(opts.OutputDir); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	waitFor(t, "recovery", func() bool {
		return supervisor.State() == StateRunning && supervisor.PID() != 0
	})
}

func TestSupervisor_ProberDetectsDeath(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	opts := testOptions(t)
	opts.Prober = func(pid int) bool {
		return healthy.Load()
	}

	supervisor := NewSupervisor(opts)
	if err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = supervisor.Stop() }()

	waitFor(t, "running", supervisor.Running)

	healthy.Store(false)
	waitFor(t, "restart", func() bool { return supervisor.Restarts() >= 1 })
	healthy.Store(true)

	waitFor(t, "recovery", func() bool {
		return supervisor.State() == StateRunning && supervisor.Running()
	})
}

func TestSupervisor_InitialLaunchFailure(t *testing.T) {
	opts := testOptions(t)
	script := filepath.Join(t.TempDir(), "transcoder.sh")
	opts.Transcode = Command{Path: script}

	supervisor := NewSupervisor(opts)
	if err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start should not fail on launch errors: %v", err)
	}
	defer func() { _ = supervisor.Stop() }()

	waitFor(t, "restarting", func() bool { return supervisor.Restarts() >= 1 })
	if supervisor.Running() {
		t.Error("Expected Running() false while the transcoder cannot start")
	}

	// 実行ファイルが用意されれば再起動で復帰する
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	waitFor(t, "recovery", func() bool {
		return supervisor.State() == StateRunning && supervisor.PID() != 0
	})
}

func TestSupervisor_MaxRestarts(t *testing.T) {
	opts := testOptions(t)
	opts.Transcode = Command{Path: filepath.Join(t.TempDir(), "missing")}
	opts.MaxRestarts = 2

	supervisor := NewSupervisor(opts)
	if err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "give up", func() bool { return supervisor.State() == StateStopped })

	if supervisor.Restarts() != 2 {
		t.Errorf("Expected 2 restarts, got %d", supervisor.Restarts())
	}

	// 監視を終えた後もStopで後片付けできる
	if err := supervisor.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := os.Stat(opts.FifoPath); !os.IsNotExist(err) {
		t.Errorf("Expected fifo to be removed, got %v", err)
	}
}

func TestSupervisor_StopKillsStubbornProcess(t *testing.T) {
	opts := testOptions(t)
	opts.Capture = Command{Path: "/bin/sh", Args: []string{"-c", "trap '' TERM; while true; do sleep 0.1; done"}}
	opts.StopTimeout = 100 * time.Millisecond

	supervisor := NewSupervisor(opts)
	if err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- supervisor.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSupervisor_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := testOptions(t)
	opts.Transcode = Command{Path: filepath.Join(t.TempDir(), "missing")}
	opts.RestartDelay = time.Hour

	supervisor := NewSupervisor(opts)
	if err := supervisor.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "restarting", func() bool { return supervisor.State() == StateRestarting })
	cancel()

	done := make(chan struct{})
	go func() {
		_ = supervisor.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on the restart delay")
	}
}

func TestCommandFromArgv(t *testing.T) {
	testCases := []struct {
		name     string
		argv     []string
		wantPath string
		wantArgs int
		wantErr  bool
	}{
		{"引数あり", []string{"ffmpeg", "-i", "{fifo}"}, "ffmpeg", 2, false},
		{"引数なし", []string{"libcamera-vid"}, "libcamera-vid", 0, false},
		{"空", nil, "", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := CommandFromArgv(tc.argv)
			if tc.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if cmd.Path != tc.wantPath || len(cmd.Args) != tc.wantArgs {
				t.Errorf("Got %+v", cmd)
			}
		})
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("Expected current process to be alive")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Error("Expected non-positive PID to be reported dead")
	}
}
