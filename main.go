package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"

	"camstream/internal/config"
	"camstream/internal/logging"
	"camstream/internal/server"
)

func main() {
	// 設定を読み込む（CAMSTREAM_CONFIG が空ならデフォルトと環境変数のみ）
	cfg, err := config.Load(os.Getenv("CAMSTREAM_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("ログ設定に失敗しました: %v", err)
	}

	// サーバーを作成
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("サーバーの作成に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
