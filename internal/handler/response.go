package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/eventlocator/internal/middleware"
	"github.com/hitoshi/eventlocator/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse はAPIErrorを統一フォーマットで書き込む。
// メッセージはリクエストの表示言語で書き込まれる。
func writeAPIErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, r, statusCode, apiErr)
}

// writeInvalidRequestBody はリクエストボディの解析失敗を400で返す。
func writeInvalidRequestBody(w http.ResponseWriter, r *http.Request) {
	writeAPIErrorResponse(w, r, http.StatusBadRequest, model.NewInvalidBodyError())
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, r, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w, r)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeInvalidCoordinates, model.ErrCodeInvalidTransition:
		return http.StatusBadRequest
	case model.ErrCodeEventNotFound, model.ErrCodeNotificationNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeConflict:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// principalOrUnauthorized は呼び出し元を取り出す。未認証の場合は401を書き込みfalseを返す。
func principalOrUnauthorized(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
		return model.Principal{}, false
	}
	return p, true
}

// queryInt は整数のクエリパラメータを読む。未指定の場合はdefを返す。
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewValidationError(name + " must be an integer")
	}
	return v, nil
}

// queryFloat は数値のクエリパラメータを読む。names の先頭から最初に指定されたものを使う。
// いずれも未指定の場合はokがfalseになる。
func queryFloat(r *http.Request, names ...string) (v float64, ok bool, err error) {
	for _, name := range names {
		raw := strings.TrimSpace(r.URL.Query().Get(name))
		if raw == "" {
			continue
		}
		parsed, perr := strconv.ParseFloat(raw, 64)
		if perr != nil {
			return 0, true, model.NewValidationError(name + " must be a number")
		}
		return parsed, true, nil
	}
	return 0, false, nil
}

// queryTime は日時のクエリパラメータを読む。RFC 3339 と YYYY-MM-DD を受け付ける。
func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, model.NewValidationError(name + " must be an RFC 3339 timestamp or YYYY-MM-DD date")
}
