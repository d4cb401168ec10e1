// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer はユーザーが入力したイベント情報からマークアップを除去する。
// タイトル・住所・カテゴリはプレーンテキストとして、説明文は限られたタグのみを許可して保存する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はイベント入力のサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// SanitizeText は全てのタグを除去したプレーンテキストを返す。前後の空白も取り除く。
	SanitizeText(raw string) string

	// SanitizeDescription は説明文として許可したタグのみを残したHTMLを返す。
	// 許可タグ: p, br, ul, ol, li, strong, em, a(href)
	SanitizeDescription(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなため、1インスタンスを共有できる。
type contentSanitizer struct {
	text        *bluemonday.Policy
	description *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	desc := bluemonday.NewPolicy()
	desc.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")

	// リンクは絶対URLのみ。target="_blank"とrel="noopener noreferrer"を強制する
	desc.AllowAttrs("href").OnElements("a")
	desc.AllowStandardURLs()
	desc.AllowRelativeURLs(false)
	desc.AddTargetBlankToFullyQualifiedLinks(true)
	desc.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		text:        bluemonday.StrictPolicy(),
		description: desc,
	}
}

// SanitizeText は全てのタグを除去する。
// StrictPolicyがエスケープした実体参照は元の文字に戻し、JSON応答で二重エスケープされないようにする。
func (s *contentSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.text.Sanitize(raw)))
}

// SanitizeDescription は説明文をサニタイズする。
func (s *contentSanitizer) SanitizeDescription(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(s.description.Sanitize(raw))
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)
