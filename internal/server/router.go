package server

import "bytes"

// requestBufferSize はリクエストとして読み込む最大バイト数
const requestBufferSize = 1024

// Route はリクエストの振り分け先
type Route int

const (
	RouteNotFound Route = iota // 404ページ
	RouteIndex                 // 案内ページ
	RouteStream                // MJPEGストリーム
)

func (r Route) String() string {
	switch r {
	case RouteIndex:
		return "index"
	case RouteStream:
		return "stream"
	default:
		return "not_found"
	}
}

var (
	streamPrefix = []byte("GET /stream")
	indexPrefix  = []byte("GET /")
)

// Classify はリクエストの先頭部分から振り分け先を決める
// HTTPとしての解析は行わず、ヘッダーも見ない。
// 途中で切れたリクエストもそのまま判定する。
func Classify(request []byte) Route {
	if bytes.Contains(request, streamPrefix) {
		return RouteStream
	}

	// パスが "/" のときだけ案内ページ。"/nonexistent" などは404
	for rest := request; ; {
		i := bytes.Index(rest, indexPrefix)
		if i < 0 {
			return RouteNotFound
		}
		rest = rest[i+len(indexPrefix):]
		if len(rest) == 0 {
			return RouteIndex
		}
		switch rest[0] {
		case ' ', '?', '\r', '\n':
			return RouteIndex
		}
	}
}
