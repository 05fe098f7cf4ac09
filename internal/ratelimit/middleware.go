package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID attaches an authenticated user identity to the context so the
// governor can key on it instead of the connection address.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// ClientID derives the rate-limit identity for a request: authenticated user
// first, then the first forwarded-for entry, then the direct peer address.
func ClientID(r *http.Request) string {
	if userID := UserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
		if first != "" {
			return "ip:" + first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func exempt(path string) bool {
	return path == "/healthz" || strings.HasSuffix(path, "/health")
}

// Middleware gates requests through the governor. Health probes bypass it.
// Rejections answer 429 with a retry-after of the window length.
func (g *Governor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		clientID := ClientID(r)
		if !g.Check(r.Context(), clientID) {
			g.setHeaders(r.Context(), w, clientID)
			retryAfter := int(g.window.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":       "rate limit exceeded",
				"message":     fmt.Sprintf("too many requests, limit is %d per %d seconds", g.limit, retryAfter),
				"retry_after": retryAfter,
			})
			return
		}

		g.setHeaders(r.Context(), w, clientID)
		next.ServeHTTP(w, r)
	})
}

// setHeaders is best effort: header computation failures never fail the
// request.
func (g *Governor) setHeaders(ctx context.Context, w http.ResponseWriter, clientID string) {
	remaining, resetAt, err := g.Status(ctx, clientID)
	if err != nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(g.limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}
