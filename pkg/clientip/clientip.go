// Package clientip resolves the caller address behind the load balancer
// and carries it in the request context for logging.
package clientip

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Headers are consulted in order before falling back to RemoteAddr.
var headers = []string{"CF-Connecting-IP", "X-Forwarded-For", "X-Real-IP"}

// FromRequest returns the normalized client IP or an empty string.
func FromRequest(r *http.Request) string {
	for _, h := range headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		// X-Forwarded-For lists the original client first.
		for candidate := range strings.SplitSeq(v, ",") {
			if ip := normalize(candidate); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalize(r.RemoteAddr)
	}
	return normalize(host)
}

func normalize(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

type ctxKey struct{}

func WithContext(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ip)
}

func FromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKey{}).(string)
	return ip
}

// Middleware stores the client IP for FromContext and LogExtractor.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), FromRequest(r))))
	})
}

// LogExtractor adds client_ip to log records.
func LogExtractor(ctx context.Context) (slog.Attr, bool) {
	ip := FromContext(ctx)
	if ip == "" {
		return slog.Attr{}, false
	}
	return slog.String("client_ip", ip), true
}
