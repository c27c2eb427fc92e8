package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeContextKey struct{}

var LocaleKey = localeContextKey{}

const (
	LocaleEnglish = "en"
	LocaleChinese = "zh"
)

var (
	supportedLocales = []language.Tag{language.English, language.Chinese}
	localeMatcher    = language.NewMatcher(supportedLocales)
)

// I18N stores the negotiated response locale ("en" or "zh") in the request
// context. X-Locale wins over Accept-Language.
func I18N(defaultLocale string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			locale := detectLocale(r, defaultLocale)
			ctx := context.WithValue(r.Context(), LocaleKey, locale)
			w.Header().Set("Content-Language", locale)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func detectLocale(r *http.Request, fallback string) string {
	if v := strings.TrimSpace(r.Header.Get("X-Locale")); v != "" {
		if locale := matchLocale(v); locale != "" {
			return locale
		}
	}
	if v := r.Header.Get("Accept-Language"); v != "" {
		if locale := matchLocale(v); locale != "" {
			return locale
		}
	}
	if locale := normalizeLocale(fallback); locale != "" {
		return locale
	}
	return LocaleEnglish
}

// matchLocale maps an Accept-Language style list onto a supported locale,
// or "" when nothing in it is close enough.
func matchLocale(header string) string {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	_, idx, conf := localeMatcher.Match(tags...)
	if conf == language.No {
		return ""
	}
	base, _ := supportedLocales[idx].Base()
	return base.String()
}

func normalizeLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	switch {
	case strings.HasPrefix(locale, LocaleChinese):
		return LocaleChinese
	case strings.HasPrefix(locale, LocaleEnglish):
		return LocaleEnglish
	}
	return ""
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return LocaleEnglish
}
