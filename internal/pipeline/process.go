package pipeline

import (
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// process は起動済みの外部プロセス
// 終了はゴルーチンでWaitして回収するため、終了後にゾンビとして残らない
type process struct {
	name   string
	cmd    *exec.Cmd
	stderr *io.PipeWriter
	done   chan struct{}
	err    error
}

// startProcess はコマンドをバックグラウンドで起動する
func startProcess(name string, c Command, args []string) (*process, error) {
	cmd := exec.Command(c.Path, args...)
	cmd.Dir = c.Dir

	stderr := log.WithField("process", name).WriterLevel(log.DebugLevel)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stderr.Close()
		return nil, fmt.Errorf("%s の起動に失敗: %w", name, err)
	}

	p := &process{
		name:   name,
		cmd:    cmd,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	go func() {
		p.err = cmd.Wait()
		_ = p.stderr.Close()
		close(p.done)
	}()

	return p, nil
}

// pid はプロセスIDを返す
func (p *process) pid() int {
	return p.cmd.Process.Pid
}

// exited はプロセスが終了して回収済みかを返す
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// stop はSIGTERMを送り、終了を待つ。timeout を過ぎたらSIGKILLする
func (p *process) stop(timeout time.Duration) {
	if p.exited() {
		return
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.WithError(err).WithField("process", p.name).Debug("終了シグナルの送信に失敗しました")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		log.WithField("process", p.name).Warn("終了しないため強制終了します")
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}
