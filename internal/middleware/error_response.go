package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/eventlocator/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Category string   `json:"category"`
	Action   string   `json:"action"`
	Fields   []string `json:"fields,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// メッセージと対処方法はリクエストの表示言語に翻訳する。
// 言語が決まる前のリクエスト（rがnil、またはLocaleミドルウェアより外側）では既定言語の文言を使う。
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, apiErr *model.APIError) {
	message, action := localizeError(r, apiErr)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  message,
		Category: apiErr.Category,
		Action:   action,
		Fields:   apiErr.Fields,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, http.StatusInternalServerError, model.NewInternalError())
}

func localizeError(r *http.Request, apiErr *model.APIError) (message, action string) {
	message, action = apiErr.Message, apiErr.Action
	if r == nil {
		return message, action
	}
	renderer, ok := r.Context().Value(rendererContextKey).(MessageRenderer)
	if !ok {
		return message, action
	}

	locale := LocaleFromContext(r.Context())
	// 未定義のキーはキー自体が返るため既定の文言を残す
	if apiErr.MessageKey != "" {
		if s := renderer.Render(apiErr.MessageKey, locale, apiErr.MessageArgs...); s != apiErr.MessageKey {
			message = s
		}
	}
	if apiErr.ActionKey != "" {
		if s := renderer.Render(apiErr.ActionKey, locale); s != apiErr.ActionKey {
			action = s
		}
	}
	return message, action
}
