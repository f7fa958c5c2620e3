package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const clientKeyContextKey contextKey = "client_key"

// AnonymousClient is the rate limit bucket for requests with no identity
const AnonymousClient = "anon"

type Middleware struct {
	apiKey    string
	jwtSecret []byte
	logger    *slog.Logger
}

// NewMiddleware creates the gateway middleware. An empty apiKey disables the
// key gate; an empty jwtSecret disables bearer identities.
func NewMiddleware(apiKey, jwtSecret string, logger *slog.Logger) *Middleware {
	m := &Middleware{apiKey: apiKey, logger: logger}
	if jwtSecret != "" {
		m.jwtSecret = []byte(jwtSecret)
	}
	return m
}

// RequestLogger writes one access log line per request
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		m.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
			"client", ClientKey(r.Context()),
		)
	})
}

// EchoRequestID returns the request id assigned by chi's RequestID middleware
func (m *Middleware) EchoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(chimiddleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware rejects requests without the configured X-API-Key
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	if m.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(m.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIdentity resolves the key requests are rate limited under and stores
// it in the request context
func (m *Middleware) ClientIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientKeyContextKey, m.clientKey(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientKey picks, in order: a valid bearer token's subject, the API key
// header, the first forwarded address, the remote host.
func (m *Middleware) clientKey(r *http.Request) string {
	if m.jwtSecret != nil {
		if sub, err := m.tokenSubject(r.Header.Get("Authorization")); err == nil {
			return "user:" + sub
		} else if !errors.Is(err, errNoBearer) {
			m.logger.Debug("ignoring bearer token", "error", err)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return "ip:" + first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return "ip:" + host
	}
	if r.RemoteAddr != "" {
		return "ip:" + r.RemoteAddr
	}
	return AnonymousClient
}

var errNoBearer = errors.New("no bearer token")

func (m *Middleware) tokenSubject(header string) (string, error) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errNoBearer
	}

	token, err := jwt.ParseWithClaims(parts[1], &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// ClientKey returns the identity stored by ClientIdentity
func ClientKey(ctx context.Context) string {
	if key, ok := ctx.Value(clientKeyContextKey).(string); ok && key != "" {
		return key
	}
	return AnonymousClient
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Conversation-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
