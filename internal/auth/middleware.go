package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxKeyID contextKey = iota
	ctxRemoteIP
)

const (
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken = `Bearer realm="chatsync"`
	wwwAuthInvalid = `Bearer realm="chatsync", error="invalid_token"`
)

// RequestKeyID returns a short fingerprint of the API key that
// authenticated the request, or "".
func RequestKeyID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that requires the API key as a
// Bearer token or in the X-API-Key header. Unauthenticated requests get
// a 401 with a WWW-Authenticate challenge.
func Middleware(verifier *KeyVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			key := presentedKey(r)
			if key == "" {
				logger.Debug("middleware: no api key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if !verifier.Verify(key) {
				logger.Warn("middleware: invalid api key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			keyID := fingerprint(key)

			logger.Debug("middleware: authenticated via api key",
				slog.String("key_id", keyID),
				slog.String("ip", ip),
			)

			// Inject the caller identity so tool handlers can log it.
			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxKeyID, keyID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func presentedKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}

	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
