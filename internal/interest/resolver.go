// Package interest はイベントの通知対象ユーザーを解決する。
package interest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/eventlocator/internal/cache"
	"github.com/hitoshi/eventlocator/internal/model"
	"github.com/hitoshi/eventlocator/internal/repository"
)

// DefaultLanguageTTL はユーザー言語設定のキャッシュ保持期間のデフォルト値。
const DefaultLanguageTTL = 15 * time.Minute

// Resolver は関心ユーザーの検索と言語設定の参照を行う。
type Resolver struct {
	interests   repository.InterestRepository
	users       repository.UserRepository
	cache       cache.Cache
	logger      *slog.Logger
	languageTTL time.Duration
}

// NewResolver はResolverを生成する。languageTTLが0以下の場合はデフォルト値を使用する。
func NewResolver(
	interests repository.InterestRepository,
	users repository.UserRepository,
	c cache.Cache,
	logger *slog.Logger,
	languageTTL time.Duration,
) *Resolver {
	if languageTTL <= 0 {
		languageTTL = DefaultLanguageTTL
	}
	return &Resolver{
		interests:   interests,
		users:       users,
		cache:       c,
		logger:      logger,
		languageTTL: languageTTL,
	}
}

// FindInterestedUsers はイベントに関心を持つactiveなユーザーを重複なしで返す。
// 言語設定が空のユーザーには既定言語を補う。
func (r *Resolver) FindInterestedUsers(ctx context.Context, eventID, category string) ([]model.Recipient, error) {
	recipients, err := r.interests.FindInterestedUsers(ctx, eventID, category)
	if err != nil {
		return nil, fmt.Errorf("通知対象ユーザーの解決に失敗しました: %w", err)
	}

	seen := make(map[string]bool, len(recipients))
	out := make([]model.Recipient, 0, len(recipients))
	for _, rc := range recipients {
		if seen[rc.UserID] {
			continue
		}
		seen[rc.UserID] = true
		if rc.Language == "" {
			rc.Language = model.DefaultLanguage
		}
		out = append(out, rc)
	}
	return out, nil
}

// UserLanguage はユーザーの言語設定を返す。
// 取得に失敗した場合・未設定の場合は既定言語を返し、エラーにはしない。
func (r *Resolver) UserLanguage(ctx context.Context, userID string) string {
	key := cache.UserLanguageKey(userID)

	var language string
	if r.cache.Get(ctx, key, &language) && language != "" {
		return language
	}

	language, err := r.users.FindLanguage(ctx, userID)
	if err != nil {
		r.logger.Warn("ユーザー言語の取得に失敗したため既定言語を使用します",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.DefaultLanguage
	}
	if language == "" {
		return model.DefaultLanguage
	}

	r.cache.Set(ctx, key, language, r.languageTTL)
	return language
}

// UserEmail はユーザーのメールアドレスを返す。見つからない場合は空文字を返す。
func (r *Resolver) UserEmail(ctx context.Context, userID string) (string, error) {
	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return "", nil
	}
	return user.Email, nil
}
