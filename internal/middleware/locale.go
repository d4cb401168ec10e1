package middleware

import (
	"context"
	"net/http"

	"github.com/hitoshi/eventlocator/internal/model"
)

// LocaleMatcher は要求された言語をサポート対象の言語に丸める。
type LocaleMatcher interface {
	MatchLocale(locale string) string
	MatchAcceptLanguage(header string) string
}

// MessageRenderer はカタログキーと言語からメッセージを組み立てる。
type MessageRenderer interface {
	Render(key, locale string, args ...any) string
}

// Localizer は表示言語の決定とエラーメッセージの翻訳を行う。
type Localizer interface {
	LocaleMatcher
	MessageRenderer
}

// NewLocaleMiddleware はリクエストの表示言語を決めてコンテキストに注入するミドルウェアを返す。
// 優先順位は ?lang= クエリ、Accept-Languageヘッダー、トークンのlangクレーム、既定言語の順。
// 認証済みの場合は呼び出し元のLocaleも決定した言語に揃える。
// 以降のエラーレスポンスはこの言語で書き込まれる。
func NewLocaleMiddleware(matcher Localizer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, authenticated := PrincipalFromContext(r.Context())

			var locale string
			switch {
			case r.URL.Query().Get("lang") != "":
				locale = matcher.MatchLocale(r.URL.Query().Get("lang"))
			case r.Header.Get("Accept-Language") != "":
				locale = matcher.MatchAcceptLanguage(r.Header.Get("Accept-Language"))
			case authenticated && principal.Locale != "":
				locale = matcher.MatchLocale(principal.Locale)
			default:
				locale = model.DefaultLanguage
			}

			noteLocale(r.Context(), locale)
			ctx := context.WithValue(r.Context(), localeContextKey, locale)
			ctx = context.WithValue(ctx, rendererContextKey, MessageRenderer(matcher))
			if authenticated {
				principal.Locale = locale
				ctx = ContextWithPrincipal(ctx, principal)
			}
			w.Header().Set("Content-Language", locale)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LocaleFromContext はリクエストの表示言語を返す。未設定の場合は既定言語を返す。
func LocaleFromContext(ctx context.Context) string {
	if locale, ok := ctx.Value(localeContextKey).(string); ok && locale != "" {
		return locale
	}
	return model.DefaultLanguage
}
