package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラーのpanicを500の統一エラーに変換するミドルウェアを返す。
// ログには判明していれば呼び出し元のuser_idとlocaleを含める。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, info := withRequestInfo(r.Context())
			r = r.WithContext(ctx)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// http.ErrAbortHandler はクライアント切断の合図なので再送出する
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				args := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				}
				args = append(args, info.attrs()...)
				args = append(args, slog.String("stack", string(debug.Stack())))
				logger.Error("panic recovered", args...)
				WriteInternalServerError(w, r)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
