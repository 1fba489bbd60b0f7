package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode はフレームの取得方式を表す
type Mode string

const (
	// ModeSimple はストリームの各反復でキャプチャコマンドを同期実行する
	ModeSimple Mode = "simple"
	// ModeVideo は常駐パイプラインが書き出すJPEGファイルを読む
	ModeVideo Mode = "video"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retention RetentionConfig `yaml:"retention"`
	Stream    StreamConfig    `yaml:"stream"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`

	// PollInterval をモード毎の既定値で埋めたか
	pollIntervalDefaulted bool
}

// ServerConfig はストリーム配信用TCPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定 (0 は無効)
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // リクエスト読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // パート毎の書き込みタイムアウト
	AcceptTimeout   time.Duration `yaml:"accept_timeout"`   // acceptの待機上限
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 接続終了を待つ上限
}

// CameraConfig はフレームソースの設定
type CameraConfig struct {
	Mode Mode `yaml:"mode"` // simple または video

	// simpleモードで1枚撮影するコマンド。{output} が出力ファイルに置換される
	Command []string `yaml:"command"`

	Width  int `yaml:"width"`  // 画像幅
	Height int `yaml:"height"` // 画像高さ
	FPS    int `yaml:"fps"`    // 目標フレームレート

	// videoモードで出力ディレクトリをfsnotifyで監視する
	Watch bool `yaml:"watch"`

	// ストリームループのポーリング間隔。0 ならモード毎の既定値
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PipelineConfig はvideoモードの常駐パイプラインの設定
type PipelineConfig struct {
	FifoPath  string `yaml:"fifo_path"`  // 名前付きパイプのパス
	OutputDir string `yaml:"output_dir"` // JPEGの出力ディレクトリ

	CaptureCommand   []string `yaml:"capture_command"`   // パイプへH.264を書き込むコマンド
	TranscodeCommand []string `yaml:"transcode_command"` // パイプを読みJPEGを書き出すコマンド

	LaunchPause   time.Duration `yaml:"launch_pause"`   // キャプチャ起動後の待機
	ProbeInterval time.Duration `yaml:"probe_interval"` // 生存確認の間隔
	RestartDelay  time.Duration `yaml:"restart_delay"`  // 再起動前の待機
	StopTimeout   time.Duration `yaml:"stop_timeout"`   // 終了要求後にSIGKILLするまでの猶予
	MaxRestarts   int           `yaml:"max_restarts"`   // 0 は無制限
}

// RetentionConfig は古いフレームファイルの掃除設定
type RetentionConfig struct {
	Keep       int           `yaml:"keep"`       // 残すファイル数
	Interval   time.Duration `yaml:"interval"`   // 掃除の最短間隔
	Background bool          `yaml:"background"` // 視聴者がいなくても定期的に掃除する
}

// StreamConfig はマルチパート配信の設定
type StreamConfig struct {
	Boundary         string        `yaml:"boundary"`           // マルチパートの境界文字列
	MaxStreams       int           `yaml:"max_streams"`        // 同時配信数の上限。0 は無制限
	MaxFetchFailures int           `yaml:"max_fetch_failures"` // 連続取得失敗の上限。0 は無制限
	FailureBackoff   time.Duration `yaml:"failure_backoff"`    // 取得失敗後の待機
}

// AdminConfig は管理用HTTP APIの設定
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text または json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			AcceptTimeout:   100 * time.Millisecond,
			ShutdownTimeout: 5 * time.Second,
		},
		Camera: CameraConfig{
			Mode:    ModeVideo,
			Command: []string{"termux-camera-photo", "-c", "0", "{output}"},
			Width:   640,
			Height:  480,
			FPS:     10,
		},
		Pipeline: PipelineConfig{
			FifoPath:  "/tmp/camstream/camera.h264",
			OutputDir: "/tmp/camstream/frames",
			CaptureCommand: []string{
				"libcamera-vid", "-t", "0", "--inline", "--nopreview",
				"--width", "{width}", "--height", "{height}", "--framerate", "{fps}",
				"--codec", "h264", "-o", "{fifo}",
			},
			TranscodeCommand: []string{
				"ffmpeg", "-hide_banner", "-loglevel", "error",
				"-f", "h264", "-i", "{fifo}",
				"-vf", "fps={fps},scale={width}:{height}",
				"-q:v", "5",
				"-f", "image2", "-strftime", "1",
				"{output_dir}/frame_%Y%m%d_%H%M%S.jpg",
			},
			LaunchPause:   1 * time.Second,
			ProbeInterval: 1 * time.Second,
			RestartDelay:  2 * time.Second,
			StopTimeout:   5 * time.Second,
		},
		Retention: RetentionConfig{
			Keep:       10,
			Interval:   5 * time.Second,
			Background: true,
		},
		Stream: StreamConfig{
			Boundary:         "frame",
			MaxFetchFailures: 300,
			FailureBackoff:   100 * time.Millisecond,
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    5001,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// デフォルト値にYAMLファイル（pathが空なら省略）と環境変数を順に重ねる
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	// 環境変数で上書き
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.Camera.Mode = Mode(getEnvOrDefault("CAMERA_MODE", string(cfg.Camera.Mode)))
	cfg.Admin.Port = getEnvAsIntOrDefault("ADMIN_PORT", cfg.Admin.Port)
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)

	cfg.ApplyModeDefaults()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// ApplyModeDefaults はモードに依存する既定値を埋める
func (c *Config) ApplyModeDefaults() {
	if c.Camera.PollInterval > 0 {
		return
	}
	switch c.Camera.Mode {
	case ModeSimple:
		c.Camera.PollInterval = 100 * time.Millisecond
	default:
		c.Camera.PollInterval = 10 * time.Millisecond
	}
	c.pollIntervalDefaulted = true
}

// SetMode はモードを変更する
// ポーリング間隔が既定値のままなら新しいモードの既定値に選び直す。
// 設定ファイルなどで明示された値はそのまま残す。
func (c *Config) SetMode(mode Mode) {
	if mode == c.Camera.Mode {
		return
	}
	c.Camera.Mode = mode
	if c.pollIntervalDefaulted {
		c.Camera.PollInterval = 0
		c.pollIntervalDefaulted = false
		c.ApplyModeDefaults()
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.New("タイムアウトに負の値は指定できません")
	}
	if c.Server.AcceptTimeout <= 0 {
		return fmt.Errorf("無効なaccept待機時間: %s", c.Server.AcceptTimeout)
	}

	switch c.Camera.Mode {
	case ModeSimple:
		if len(c.Camera.Command) == 0 {
			return errors.New("simpleモードにはキャプチャコマンドが必要です")
		}
	case ModeVideo:
		if c.Pipeline.FifoPath == "" || c.Pipeline.OutputDir == "" {
			return errors.New("videoモードにはfifo_pathとoutput_dirが必要です")
		}
		if len(c.Pipeline.CaptureCommand) == 0 || len(c.Pipeline.TranscodeCommand) == 0 {
			return errors.New("videoモードにはcapture_commandとtranscode_commandが必要です")
		}
		if c.Pipeline.ProbeInterval <= 0 {
			return fmt.Errorf("無効な生存確認間隔: %s", c.Pipeline.ProbeInterval)
		}
	default:
		return fmt.Errorf("無効なカメラモード: %q", c.Camera.Mode)
	}

	if c.Stream.Boundary == "" || strings.ContainsAny(c.Stream.Boundary, "\r\n ") {
		return fmt.Errorf("無効な境界文字列: %q", c.Stream.Boundary)
	}
	if c.Stream.MaxStreams < 0 || c.Stream.MaxFetchFailures < 0 {
		return errors.New("max_streamsとmax_fetch_failuresは0以上である必要があります")
	}
	if c.Stream.FailureBackoff <= 0 {
		return fmt.Errorf("無効な取得失敗後の待機時間: %s", c.Stream.FailureBackoff)
	}
	if c.Retention.Keep < 1 {
		return fmt.Errorf("無効な保持数: %d", c.Retention.Keep)
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("無効な掃除間隔: %s", c.Retention.Interval)
	}

	if c.Admin.Enabled {
		if c.Admin.Port < 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("無効な管理ポート番号: %d", c.Admin.Port)
		}
		if c.Admin.Port != 0 && c.Admin.Port == c.Server.Port {
			return fmt.Errorf("管理ポートがサーバーポートと重複しています: %d", c.Admin.Port)
		}
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AdminAddress は管理APIのリッスンアドレスを返す
func (c *Config) AdminAddress() string {
	return fmt.Sprintf("%s:%d", c.Admin.Host, c.Admin.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
