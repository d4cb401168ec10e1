// Package i18n は通知メッセージのローカライズを提供する。
// 埋め込みのYAMLカタログ（en, es, fr）から受信者の言語でメッセージを組み立てる。
// グローバルなカタログ登録は行わず、Rendererごとに独立したcatalog.Builderを持つ。
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

// DefaultLocale は該当する言語がない場合に使う言語。
const DefaultLocale = "en"

// メッセージキー
const (
	KeyEventUpdated         = "events.updated"
	KeyEventCancelled       = "events.cancelled"
	KeyEventCompleted       = "events.completed"
	KeyEventReminder        = "events.reminder"
	KeyCreatorUpdated       = "events.creator_updated"
	KeyCreatorCancelled     = "events.creator_cancelled"
	KeyEmailUpdateSubject   = "email.event_update.subject"
	KeyEmailReminderSubject = "email.event_reminder.subject"
	KeyTestNotification     = "notifications.test"
)

//go:embed locales/*.yaml
var embeddedLocales embed.FS

type localeFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// Renderer はキーと言語からメッセージを組み立てる。
// 生成後は読み取り専用のため、複数goroutineから安全に利用できる。
type Renderer struct {
	builder   *catalog.Builder
	matcher   language.Matcher
	supported []language.Tag
	keys      map[string]bool
}

// New は埋め込みカタログからRendererを生成する。
func New() (*Renderer, error) {
	return NewFromFS(embeddedLocales)
}

// NewFromFS は locales/*.yaml を読み込んでRendererを生成する。
// 既定言語(en)のカタログは必須で、他言語に欠けているキーはenの文言で補う。
func NewFromFS(fsys fs.FS) (*Renderer, error) {
	paths, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("ロケールファイルの検索に失敗しました: %w", err)
	}
	sort.Strings(paths)

	catalogs := map[string]map[string]string{}
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("ロケールファイルの読み込みに失敗しました (%s): %w", path, err)
		}
		var file localeFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("ロケールファイルの解析に失敗しました (%s): %w", path, err)
		}
		locale := strings.TrimSpace(file.Locale)
		if locale == "" {
			return nil, fmt.Errorf("ロケールが指定されていません: %s", path)
		}
		if _, dup := catalogs[locale]; dup {
			return nil, fmt.Errorf("ロケールが重複しています: %s", locale)
		}
		catalogs[locale] = file.Messages
	}

	base, ok := catalogs[DefaultLocale]
	if !ok {
		return nil, fmt.Errorf("既定言語 %s のカタログがありません", DefaultLocale)
	}

	// 既定言語を先頭にしてMatcherのフォールバック先にする
	locales := make([]string, 0, len(catalogs))
	for locale := range catalogs {
		if locale != DefaultLocale {
			locales = append(locales, locale)
		}
	}
	sort.Strings(locales)
	locales = append([]string{DefaultLocale}, locales...)

	r := &Renderer{
		builder: catalog.NewBuilder(catalog.Fallback(language.English)),
		keys:    make(map[string]bool, len(base)),
	}
	for key := range base {
		r.keys[key] = true
	}

	for _, locale := range locales {
		tag, err := language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("ロケールの解析に失敗しました (%s): %w", locale, err)
		}
		r.supported = append(r.supported, tag)

		messages := catalogs[locale]
		for key, fallback := range base {
			msg, ok := messages[key]
			if !ok {
				msg = fallback
			}
			if err := r.builder.SetString(tag, key, msg); err != nil {
				return nil, fmt.Errorf("メッセージの登録に失敗しました (%s/%s): %w", locale, key, err)
			}
		}
	}
	r.matcher = language.NewMatcher(r.supported)

	return r, nil
}

// Render はkeyのメッセージをlocaleで組み立てる。
// 未対応の言語はenにフォールバックし、未定義のキーはキー自体を返す。
func (r *Renderer) Render(key, locale string, args ...any) string {
	if !r.keys[key] {
		return key
	}
	p := message.NewPrinter(r.tag(locale), message.Catalog(r.builder))
	return p.Sprintf(key, args...)
}

// MatchLocale はlocaleに最も近い対応言語を返す。
func (r *Renderer) MatchLocale(locale string) string {
	return r.tag(locale).String()
}

// MatchAcceptLanguage はAccept-Languageヘッダーから対応言語を選ぶ。
// ヘッダーが空・不正な場合は既定言語を返す。
func (r *Renderer) MatchAcceptLanguage(header string) string {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return DefaultLocale
	}
	_, index, _ := r.matcher.Match(tags...)
	return r.supported[index].String()
}

// Supported は対応言語の一覧を返す。先頭が既定言語。
func (r *Renderer) Supported() []string {
	out := make([]string, len(r.supported))
	for i, tag := range r.supported {
		out[i] = tag.String()
	}
	return out
}

func (r *Renderer) tag(locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return r.supported[0]
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return r.supported[0]
	}
	_, index, _ := r.matcher.Match(tag)
	return r.supported[index]
}
