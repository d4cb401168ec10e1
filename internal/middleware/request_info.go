package middleware

import (
	"context"
	"log/slog"
	"sync"
)

// requestInfo は内側のミドルウェアで判明した呼び出し元と表示言語を、
// ルーティング前に置かれたLogging・Recoveryへ伝える。
// chiのGroupで付与されるコンテキストは外側から見えないため、同じポインタを共有する。
type requestInfo struct {
	mu     sync.Mutex
	userID string
	locale string
}

var requestInfoContextKey = contextKey("request_info")

// withRequestInfo はctxにrequestInfoがなければ新しく作って注入する。
func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		return ctx, info
	}
	info := &requestInfo{}
	return context.WithValue(ctx, requestInfoContextKey, info), info
}

func noteUserID(ctx context.Context, userID string) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.mu.Lock()
		info.userID = userID
		info.mu.Unlock()
	}
}

func noteLocale(ctx context.Context, locale string) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.mu.Lock()
		info.locale = locale
		info.mu.Unlock()
	}
}

// attrs はログに追加する属性を返す。未判明の項目は含めない。
func (i *requestInfo) attrs() []any {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []any
	if i.userID != "" {
		out = append(out, slog.String("user_id", i.userID))
	}
	if i.locale != "" {
		out = append(out, slog.String("locale", i.locale))
	}
	return out
}
