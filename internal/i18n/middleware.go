package i18n

import "net/http"

// Middleware picks the language from Accept-Language, falling back to lang,
// and stores the localizer in the request context.
func Middleware(lang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accept := r.Header.Get("Accept-Language")
			next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), NewLocalizer(accept, lang))))
		})
	}
}
