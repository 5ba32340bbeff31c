package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/veilbox/veilbox/internal/vault"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey string

const visitorContextKey contextKey = "visitor"

// VisitorCookieName is the long-lived opaque cookie a fingerprint is
// derived from. The value itself is random and never identifies anyone.
const VisitorCookieName = "vb_vid"

// Visitor returns middleware that reads the visitor cookie and stores its
// value in the request context. When the cookie is absent (first visit, or
// cookies blocked) a new one is set for future requests, but the current
// request proceeds without a visitor token: the submission then runs
// through the stricter network-address admission path.
func Visitor(secureCookies bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(VisitorCookieName)
			if err == nil && cookie.Value != "" {
				ctx := context.WithValue(r.Context(), visitorContextKey, cookie.Value)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, err := vault.NewVisitorToken()
			if err != nil {
				slog.Error("failed to generate visitor token", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     VisitorCookieName,
				Value:    token,
				Path:     "/",
				Expires:  time.Now().Add(2 * 365 * 24 * time.Hour),
				HttpOnly: true,
				Secure:   secureCookies,
				SameSite: http.SameSiteLaxMode,
			})
			next.ServeHTTP(w, r)
		})
	}
}

// VisitorFromContext extracts the visitor token from the context. Returns
// an empty string when the request carried no visitor cookie.
func VisitorFromContext(ctx context.Context) string {
	token, _ := ctx.Value(visitorContextKey).(string)
	return token
}
