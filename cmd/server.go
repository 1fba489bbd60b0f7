// Package main はcamstreamサーバーコマンドの実装です
package main

import (
	"context"
	"fmt"
	"os"

	rconfig "github.com/Luzifer/rconfig/v2"
	log "github.com/sirupsen/logrus"

	"camstream/internal/config"
	"camstream/internal/logging"
	"camstream/internal/server"
)

var version = "dev"

// コマンドラインオプション。空の値は設定ファイルの値を上書きしない
var cli = struct {
	Config         string `flag:"config,c" default:"" description:"YAML設定ファイルのパス"`
	Host           string `flag:"host" default:"" description:"サーバーのホスト (デフォルト: 0.0.0.0)"`
	Port           int    `flag:"port,p" default:"0" description:"サーバーのポート (デフォルト: 5000)"`
	Mode           string `flag:"mode,m" default:"" description:"カメラモード (simple, video)"`
	Watch          bool   `flag:"watch" default:"false" description:"出力ディレクトリをポーリングせずに監視する"`
	MaxStreams     int    `flag:"max-streams" default:"-1" description:"同時配信数の上限 (0 は無制限)"`
	NoAdmin        bool   `flag:"no-admin" default:"false" description:"管理APIを起動しない"`
	LogLevel       string `flag:"log-level" default:"" description:"ログレベル (debug, info, warn, error)"`
	VersionAndExit bool   `flag:"version" default:"false" description:"バージョンを表示して終了"`
}{}

func main() {
	if err := rconfig.ParseAndValidate(&cli); err != nil {
		log.Fatalf("コマンドラインオプションの解析に失敗しました: %v", err)
	}

	if cli.VersionAndExit {
		fmt.Printf("camstream %s\n", version)
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(cli.Config)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	applyFlags(cfg)
	cfg.ApplyModeDefaults()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定の検証に失敗しました: %v", err)
	}

	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("ログ設定に失敗しました: %v", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("サーバーの作成に失敗しました: %v", err)
	}

	log.Printf("camstream %s を起動します: %s", version, cfg.ServerAddress())
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}

// applyFlags は指定されたオプションで設定を上書きする
func applyFlags(cfg *config.Config) {
	if cli.Host != "" {
		cfg.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		cfg.Server.Port = cli.Port
	}
	if cli.Mode != "" {
		cfg.SetMode(config.Mode(cli.Mode))
	}
	if cli.Watch {
		cfg.Camera.Watch = true
	}
	if cli.MaxStreams >= 0 {
		cfg.Stream.MaxStreams = cli.MaxStreams
	}
	if cli.NoAdmin {
		cfg.Admin.Enabled = false
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
}
