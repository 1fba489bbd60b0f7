package pipeline

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// State はパイプラインの状態を表す
type State string

const (
	StateStopped    State = "stopped"    // 停止中
	StateStarting   State = "starting"   // プロセス起動中
	StateRunning    State = "running"    // トランスコーダー動作中
	StateRestarting State = "restarting" // 停止を検知して再起動待ち
)

// Command は外部プロセスの起動方法を表す
// 引数はシェルを経由せずそのままexecに渡る
type Command struct {
	Path string   // 実行ファイル
	Args []string // 引数（{fifo} などのプレースホルダを含んでよい）
	Dir  string   // 作業ディレクトリ。空ならカレント
}

// CommandFromArgv はargv形式の設定からCommandを作る
func CommandFromArgv(argv []string) (Command, error) {
	if len(argv) == 0 {
		return Command{}, errors.New("コマンドが空です")
	}
	return Command{Path: argv[0], Args: argv[1:]}, nil
}

// Prober はプロセスの生存確認を行う関数
type Prober func(pid int) bool

// ProcessAlive はシグナル0を送ってプロセスの存在を確認する
// 実際にはシグナルを配送しない
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Options はSupervisorの設定
type Options struct {
	FifoPath  string
	OutputDir string

	Capture   Command
	Transcode Command

	// 引数の {width} {height} {fps} に入る値
	Width  int
	Height int
	FPS    int

	LaunchPause   time.Duration // キャプチャ起動からトランスコーダー起動までの待機
	ProbeInterval time.Duration // 生存確認の間隔
	RestartDelay  time.Duration // 再起動前の待機
	StopTimeout   time.Duration // SIGTERM後にSIGKILLするまでの猶予
	MaxRestarts   int           // 0 は無制限

	Prober Prober // nil なら ProcessAlive
}

// Status はパイプラインの状態のスナップショット
type Status struct {
	State    State `json:"state"`
	PID      int   `json:"pid"`
	Alive    bool  `json:"alive"`
	Restarts int   `json:"restarts"`
}
