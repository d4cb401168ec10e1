// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// Message と Action は既定言語(en)の文言で、レスポンス時に MessageKey と ActionKey で要求言語に置き換える。
type APIError struct {
	Code        string   // エラーコード
	Message     string   // エラーメッセージ
	Category    string   // カテゴリ: validation, not_found, authorization, conflict, system
	Action      string   // ユーザー向け対処方法
	Fields      []string // ValidationErrorで不足しているフィールド
	MessageKey  string   // メッセージカタログのキー
	MessageArgs []any    // MessageKeyの埋め込み引数
	ActionKey   string   // 対処方法のカタログキー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation    = "validation"
	CategoryNotFound      = "not_found"
	CategoryAuthorization = "authorization"
	CategoryConflict      = "conflict"
	CategorySystem        = "system"
)

// 定義済みエラーコード
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInvalidCoordinates   = "INVALID_COORDINATES"
	ErrCodeInvalidTransition    = "INVALID_STATUS_TRANSITION"
	ErrCodeEventNotFound        = "EVENT_NOT_FOUND"
	ErrCodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeRateLimited          = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// メッセージカタログのキー。各ロケールのYAMLに同じキーを定義する。
const (
	MsgKeyMissingFields        = "errors.missing_fields"
	MsgKeyValidation           = "errors.validation"
	MsgKeyInvalidBody          = "errors.invalid_body"
	MsgKeyInvalidCoordinates   = "errors.invalid_coordinates"
	MsgKeyInvalidTransition    = "errors.invalid_transition"
	MsgKeyEventNotFound        = "errors.event_not_found"
	MsgKeyNotificationNotFound = "errors.notification_not_found"
	MsgKeyUserNotFound         = "errors.user_not_found"
	MsgKeyUnauthorized         = "errors.unauthorized"
	MsgKeyForbidden            = "errors.forbidden"
	MsgKeyConflict             = "errors.conflict"
	MsgKeyRateLimited          = "errors.rate_limited"
	MsgKeyInternal             = "errors.internal"

	ActionKeyMissingFields        = "errors.missing_fields.action"
	ActionKeyValidation           = "errors.validation.action"
	ActionKeyInvalidCoordinates   = "errors.invalid_coordinates.action"
	ActionKeyInvalidTransition    = "errors.invalid_transition.action"
	ActionKeyEventNotFound        = "errors.event_not_found.action"
	ActionKeyNotificationNotFound = "errors.notification_not_found.action"
	ActionKeyUserNotFound         = "errors.user_not_found.action"
	ActionKeyUnauthorized         = "errors.unauthorized.action"
	ActionKeyForbidden            = "errors.forbidden.action"
	ActionKeyConflict             = "errors.conflict.action"
	ActionKeyRateLimited          = "errors.rate_limited.action"
	ActionKeyInternal             = "errors.internal.action"
)

// ErrorCatalogKeys はAPIErrorが参照するカタログキーの一覧を返す。
func ErrorCatalogKeys() []string {
	return []string{
		MsgKeyMissingFields, MsgKeyValidation, MsgKeyInvalidBody, MsgKeyInvalidCoordinates,
		MsgKeyInvalidTransition, MsgKeyEventNotFound, MsgKeyNotificationNotFound, MsgKeyUserNotFound,
		MsgKeyUnauthorized, MsgKeyForbidden, MsgKeyConflict, MsgKeyRateLimited, MsgKeyInternal,
		ActionKeyMissingFields, ActionKeyValidation, ActionKeyInvalidCoordinates, ActionKeyInvalidTransition,
		ActionKeyEventNotFound, ActionKeyNotificationNotFound, ActionKeyUserNotFound, ActionKeyUnauthorized,
		ActionKeyForbidden, ActionKeyConflict, ActionKeyRateLimited, ActionKeyInternal,
	}
}

// NewMissingFieldsError は必須フィールド不足のValidationErrorを生成する。
func NewMissingFieldsError(fields ...string) *APIError {
	joined := strings.Join(fields, ", ")
	return &APIError{
		Code:        ErrCodeValidation,
		Message:     fmt.Sprintf("Required fields are missing: %s", joined),
		Category:    CategoryValidation,
		Action:      "Provide the missing fields and submit again.",
		Fields:      fields,
		MessageKey:  MsgKeyMissingFields,
		MessageArgs: []any{joined},
		ActionKey:   ActionKeyMissingFields,
	}
}

// NewValidationError は入力値不正のValidationErrorを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:        ErrCodeValidation,
		Message:     fmt.Sprintf("Invalid input: %s", reason),
		Category:    CategoryValidation,
		Action:      "Check the request and try again.",
		MessageKey:  MsgKeyValidation,
		MessageArgs: []any{reason},
		ActionKey:   ActionKeyValidation,
	}
}

// NewInvalidBodyError はリクエストボディを解析できない場合のValidationErrorを生成する。
func NewInvalidBodyError() *APIError {
	return &APIError{
		Code:       ErrCodeValidation,
		Message:    "The request body could not be parsed.",
		Category:   CategoryValidation,
		Action:     "Check the request and try again.",
		MessageKey: MsgKeyInvalidBody,
		ActionKey:  ActionKeyValidation,
	}
}

// NewInvalidCoordinatesError は座標の欠落・範囲外エラーを生成する。
func NewInvalidCoordinatesError(reason string) *APIError {
	return &APIError{
		Code:        ErrCodeInvalidCoordinates,
		Message:     fmt.Sprintf("Invalid coordinates: %s", reason),
		Category:    CategoryValidation,
		Action:      "Use a latitude between -90 and 90 and a longitude between -180 and 180.",
		MessageKey:  MsgKeyInvalidCoordinates,
		MessageArgs: []any{reason},
		ActionKey:   ActionKeyInvalidCoordinates,
	}
}

// NewInvalidTransitionError は許可されていない状態遷移のエラーを生成する。
func NewInvalidTransitionError(from, to EventStatus) *APIError {
	return &APIError{
		Code:        ErrCodeInvalidTransition,
		Message:     fmt.Sprintf("Event status cannot change from %s to %s.", from, to),
		Category:    CategoryValidation,
		Action:      "Only active events can be cancelled or completed.",
		MessageKey:  MsgKeyInvalidTransition,
		MessageArgs: []any{string(from), string(to)},
		ActionKey:   ActionKeyInvalidTransition,
	}
}

// NewEventNotFoundError はイベント未検出エラーを生成する。
// 中止済みのイベントも見つからないものとして扱う。
func NewEventNotFoundError(eventID string) *APIError {
	return &APIError{
		Code:        ErrCodeEventNotFound,
		Message:     fmt.Sprintf("Event not found: %s", eventID),
		Category:    CategoryNotFound,
		Action:      "Check the event ID.",
		MessageKey:  MsgKeyEventNotFound,
		MessageArgs: []any{eventID},
		ActionKey:   ActionKeyEventNotFound,
	}
}

// NewNotificationNotFoundError は通知未検出エラーを生成する。
// 他ユーザーの通知を指定した場合もこのエラーになる。
func NewNotificationNotFoundError(notificationID string) *APIError {
	return &APIError{
		Code:        ErrCodeNotificationNotFound,
		Message:     fmt.Sprintf("Notification not found: %s", notificationID),
		Category:    CategoryNotFound,
		Action:      "Check the notification ID.",
		MessageKey:  MsgKeyNotificationNotFound,
		MessageArgs: []any{notificationID},
		ActionKey:   ActionKeyNotificationNotFound,
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:       ErrCodeUserNotFound,
		Message:    "User not found.",
		Category:   CategoryNotFound,
		Action:     "Check the user ID.",
		MessageKey: MsgKeyUserNotFound,
		ActionKey:  ActionKeyUserNotFound,
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:       ErrCodeUnauthorized,
		Message:    "Authentication is required.",
		Category:   CategoryAuthorization,
		Action:     "Provide a valid access token.",
		MessageKey: MsgKeyUnauthorized,
		ActionKey:  ActionKeyUnauthorized,
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:       ErrCodeForbidden,
		Message:    "You are not allowed to perform this operation.",
		Category:   CategoryAuthorization,
		Action:     "Only the event creator or an administrator can do this.",
		MessageKey: MsgKeyForbidden,
		ActionKey:  ActionKeyForbidden,
	}
}

// NewConflictError は一意制約違反エラーを生成する。
func NewConflictError(field string) *APIError {
	return &APIError{
		Code:        ErrCodeConflict,
		Message:     fmt.Sprintf("Already in use: %s", field),
		Category:    CategoryConflict,
		Action:      "Choose a different value.",
		MessageKey:  MsgKeyConflict,
		MessageArgs: []any{field},
		ActionKey:   ActionKeyConflict,
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    "Too many requests.",
		Category:   CategorySystem,
		Action:     "Wait for the time given in Retry-After and try again.",
		MessageKey: MsgKeyRateLimited,
		ActionKey:  ActionKeyRateLimited,
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:       ErrCodeInternal,
		Message:    "An internal error occurred.",
		Category:   CategorySystem,
		Action:     "Wait a moment and try again.",
		MessageKey: MsgKeyInternal,
		ActionKey:  ActionKeyInternal,
	}
}
