// Package logging はlogrusの初期設定を行う
package logging

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// Setup はログレベルと出力形式を設定する
func Setup(level, format string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("ログレベルの解析に失敗: %w", err)
	}
	log.SetLevel(l)
	log.SetOutput(os.Stderr)

	switch format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("未対応のログ形式: %q", format)
	}

	return nil
}
