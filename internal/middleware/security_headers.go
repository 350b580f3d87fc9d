package middleware

import "net/http"

// opsHeaders は/healthと/metricsのレスポンスに付与するヘッダー。
var opsHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
	"X-Robots-Tag":            "noindex, nofollow",
}

// NewSecurityHeadersMiddleware は運用エンドポイント用のヘッダーを付与するミドルウェアを返す。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range opsHeaders {
				h.Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
