// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/eventlocator/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	principalContextKey = contextKey("principal")
	localeContextKey    = contextKey("locale")
	rendererContextKey  = contextKey("renderer")
)

// Claims はアクセストークンのクレーム。
// トークンの発行は認証サブシステムが行い、本サービスは検証のみを行う。
type Claims struct {
	Role   string `json:"role"`
	Status string `json:"status"`
	Email  string `json:"email,omitempty"`
	Lang   string `json:"lang,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier はHS256で署名されたアクセストークンを検証する。
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier はTokenVerifierを生成する。
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Sign は呼び出し元情報からアクセストークンを生成する。
// 認証サブシステムと同じ形式のトークンを作るため、テストと運用ツールで使用する。
func (v *TokenVerifier) Sign(p model.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:   p.Role,
		Status: string(p.Status),
		Email:  p.Email,
		Lang:   p.Locale,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify はトークンを検証し、呼び出し元情報を返す。
// role・statusが省略されている場合はuser・activeとして扱う。
func (v *TokenVerifier) Verify(token string) (model.Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return model.Principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return model.Principal{}, errors.New("invalid token: missing subject")
	}

	p := model.Principal{
		ID:     claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
		Status: model.UserStatus(claims.Status),
		Locale: claims.Lang,
	}
	if p.Role == "" {
		p.Role = model.RoleUser
	}
	if p.Status == "" {
		p.Status = model.UserStatusActive
	}
	return p, nil
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// NewAuthMiddleware はBearerトークンを検証し、呼び出し元をコンテキストに注入するミドルウェアを返す。
// トークンがない・不正な場合は401、activeでないユーザーには403を返す。
func NewAuthMiddleware(verifier *TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Authorizationヘッダーからトークンを取得
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			// 2. トークンの検証
			principal, err := verifier.Verify(token)
			if err != nil {
				WriteErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			// 3. アカウント状態の確認
			if principal.Status != model.UserStatusActive {
				WriteErrorResponse(w, r, http.StatusForbidden, model.NewForbiddenError())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// NewOptionalAuthMiddleware は有効なトークンがあれば呼び出し元を注入し、なければそのまま通すミドルウェアを返す。
// 公開エンドポイントでレート制限のキーと言語の判定に使う。
func NewOptionalAuthMiddleware(verifier *TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token, ok := bearerToken(r); ok {
				if principal, err := verifier.Verify(token); err == nil && principal.Status == model.UserStatusActive {
					r = r.WithContext(ContextWithPrincipal(r.Context(), principal))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin は管理者以外に403を返すミドルウェア。NewAuthMiddlewareの後に配置する。
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			WriteErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		if !principal.IsAdmin() {
			WriteErrorResponse(w, r, http.StatusForbidden, model.NewForbiddenError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFromContext はリクエストコンテキストから呼び出し元を取得する。
func PrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(model.Principal)
	return p, ok && p.ID != ""
}

// ContextWithPrincipal はコンテキストに呼び出し元を注入する。
// リクエストログにもユーザーIDが記録される。
func ContextWithPrincipal(ctx context.Context, p model.Principal) context.Context {
	noteUserID(ctx, p.ID)
	return context.WithValue(ctx, principalContextKey, p)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("user ID not found in context")
	}
	return p.ID, nil
}

// ContextWithUserID はコンテキストに一般ユーザーとしてのユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithPrincipal(ctx, model.Principal{
		ID:     userID,
		Role:   model.RoleUser,
		Status: model.UserStatusActive,
	})
}
