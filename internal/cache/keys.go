package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/eventlocator/internal/model"
)

// カテゴリ指定なしのキャッシュキーで使うカテゴリ部分。
const allCategories = "all"

// CategoriesKey はカテゴリ一覧のキャッシュキー。
const CategoriesKey = "event:categories"

// EventKey はイベント単体のキャッシュキーを返す。
func EventKey(id string) string {
	return "event:" + id
}

// UserLanguageKey はユーザーの言語設定のキャッシュキーを返す。
func UserLanguageKey(userID string) string {
	return "user:language:" + userID
}

// EventListKey はイベント一覧のキャッシュキーを返す。
// フィルタ・ページングの全パラメータから指紋を作るため、条件が1つでも違えば別キーになる。
func EventListKey(f model.EventFilter) string {
	return "event:list:" + categorySegment(f.Category) + ":" + Fingerprint(filterParams(f))
}

// EventNearbyKey は近傍検索のキャッシュキーを返す。
func EventNearbyKey(q model.NearbyQuery) string {
	params := filterParams(q.Filter)
	params["lat"] = formatFloat(q.Latitude)
	params["lon"] = formatFloat(q.Longitude)
	params["radius"] = formatFloat(q.RadiusKm)
	return "event:nearby:" + categorySegment(q.Filter.Category) + ":" + Fingerprint(params)
}

// EventListPattern はカテゴリの一覧キャッシュをすべて削除するためのglobパターンを返す。
// 空のカテゴリはカテゴリ指定なしの一覧を指す。
func EventListPattern(category string) string {
	return "event:list:" + escapeGlob(categorySegment(category)) + ":*"
}

// EventNearbyPattern はカテゴリの近傍検索キャッシュをすべて削除するためのglobパターンを返す。
func EventNearbyPattern(category string) string {
	return "event:nearby:" + escapeGlob(categorySegment(category)) + ":*"
}

// Fingerprint はパラメータをキー順に並べた正規形のSHA-1を16進で返す。
func Fingerprint(params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// InvalidateEvent はイベントの変更後に、古くなり得るキャッシュをすべて削除する。
// ストアへの書き込みが完了してから呼び出すこと。
//   - イベント単体
//   - カテゴリ一覧
//   - 変更前後の各カテゴリとカテゴリ指定なしの一覧・近傍検索
func InvalidateEvent(ctx context.Context, c Cache, eventID string, categories ...string) bool {
	ok := true
	keys := []string{CategoriesKey}
	if eventID != "" {
		keys = append(keys, EventKey(eventID))
	}
	if !c.Delete(ctx, keys...) {
		ok = false
	}

	seen := map[string]bool{}
	for _, category := range append([]string{""}, categories...) {
		seg := categorySegment(category)
		if seen[seg] {
			continue
		}
		seen[seg] = true

		if !c.DeleteByPattern(ctx, EventListPattern(category)) {
			ok = false
		}
		if !c.DeleteByPattern(ctx, EventNearbyPattern(category)) {
			ok = false
		}
	}
	return ok
}

func categorySegment(category string) string {
	if category == "" {
		return allCategories
	}
	return category
}

func filterParams(f model.EventFilter) map[string]string {
	params := map[string]string{
		"category": f.Category,
		"name":     f.Name,
		"address":  f.Address,
		"creator":  f.CreatedBy,
		"limit":    strconv.Itoa(f.Limit),
		"offset":   strconv.Itoa(f.Offset),
	}
	if f.StartDate != nil {
		params["startDate"] = f.StartDate.UTC().Format(time.RFC3339Nano)
	}
	if f.EndDate != nil {
		params["endDate"] = f.EndDate.UTC().Format(time.RFC3339Nano)
	}
	return params
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// escapeGlob はRedisのglobパターンで特別な意味を持つ文字をエスケープする。
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
