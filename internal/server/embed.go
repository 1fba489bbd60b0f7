package server

import (
	"embed"
	"fmt"
	"net"
	"time"
)

//go:embed static/*.html
var staticFS embed.FS

var (
	indexResponse       = mustPageResponse("200 OK", "static/index.html")
	notFoundResponse    = mustPageResponse("404 Not Found", "static/404.html")
	unavailableResponse = mustPageResponse("503 Service Unavailable", "static/503.html")
)

// mustPageResponse は埋め込みHTMLから完結したHTTPレスポンスを組み立てる
func mustPageResponse(status, name string) []byte {
	body, err := staticFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("埋め込みファイル %s の読み込みに失敗: %v", name, err))
	}

	header := fmt.Sprintf("HTTP/1.1 %s\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n", status, len(body))

	return append([]byte(header), body...)
}

// writeResponse はレスポンス全体を1回で書き込む
// 書き込みエラーは無視する（呼び出し元がいずれにせよ接続を閉じる）
func writeResponse(conn net.Conn, response []byte, timeout time.Duration) {
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, _ = conn.Write(response)
}
