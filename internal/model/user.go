// Package model はドメインモデルを定義する。
package model

// UserStatus はユーザーのアカウント状態を表す。
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusDeleted   UserStatus = "deleted"
)

// ユーザーロール
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// DefaultLanguage は言語設定が取得できない場合に使う言語。
const DefaultLanguage = "en"

// User は認証サブシステムが所有するユーザー情報のうち、本サービスが参照する部分。
type User struct {
	ID                  string
	Email               string
	Language            string
	Longitude           *float64
	Latitude            *float64
	PreferredCategories []string
	Status              UserStatus
	Role                string
}

// Principal は認証済みリクエストの呼び出し元を表す。
// 認証ミドルウェアがJWTのクレームから生成する。
type Principal struct {
	ID     string
	Email  string
	Role   string
	Status UserStatus
	Locale string
}

// IsAdmin は管理者かどうかを返す。
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanModify はイベントの作成者または管理者かどうかを返す。
func (p Principal) CanModify(e *Event) bool {
	return p.IsAdmin() || (e != nil && e.CreatedBy == p.ID)
}

// Recipient は通知の受信者と、その受信者向けの表示言語。
type Recipient struct {
	UserID   string `json:"user_id"`
	Language string `json:"language"`
}
