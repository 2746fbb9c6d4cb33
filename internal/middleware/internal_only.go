package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// InternalSecretHeader — заголовок, которым внутренние сервисы подтверждают вызов.
const InternalSecretHeader = "X-Internal-Secret"

// InternalOnly разрешает запрос с приватных IP или при совпадающем X-Internal-Secret.
// Push-сервис не экспонируется наружу: его вызывает только api.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(InternalSecretHeader)), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if isPrivateIP(ClientIP(r)) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

// ClientIP — адрес клиента: X-Real-Ip, первый из X-Forwarded-For, иначе RemoteAddr без порта.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
