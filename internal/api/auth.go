package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/voxgate/voxgate/internal/config"
)

type contextKey string

// userKey is the context key for the authenticated console username.
const userKey contextKey = "console_user"

// tokenTTL is the lifetime of a console bearer token.
const tokenTTL = 24 * time.Hour

// consoleClaims holds the JWT claims for console logins.
type consoleClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// authenticator verifies console credentials and bearer tokens. Login
// attempts are rate limited per client IP.
type authenticator struct {
	username     string
	passwordHash string
	secret       []byte
	limiter      *ipRateLimiter
	logger       *slog.Logger
}

func newAuthenticator(cfg *config.Config, logger *slog.Logger) *authenticator {
	return &authenticator{
		username:     cfg.AuthUsername,
		passwordHash: cfg.AuthPasswordHash,
		secret:       []byte(cfg.JWTSecret),
		limiter:      newIPRateLimiter(loginRateLimit, loginRateBurst),
		logger:       logger,
	}
}

// generateToken creates a signed JWT for a successful console login.
func (a *authenticator) generateToken(username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(tokenTTL)

	claims := consoleClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "voxgate",
			Subject:   username,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// verifyToken validates a bearer token string and returns the username.
func (a *authenticator) verifyToken(tokenString string) (string, bool) {
	claims := &consoleClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid || claims.Username == "" {
		return "", false
	}
	return claims.Username, true
}

// require is middleware that validates the Authorization bearer token.
// Websocket upgrade requests may pass the token as a ?token= query
// parameter instead, since browsers cannot set headers on websockets.
func (a *authenticator) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		username, ok := a.verifyToken(tokenString)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loginLimit is middleware that rate limits login attempts per client IP.
func (a *authenticator) loginLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !a.limiter.allow(ip) {
			a.logger.Warn("login rate limit exceeded", "ip", ip)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// loginRequest is the POST /api/login body.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin verifies console credentials and issues a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	// Run the bcrypt comparison even on a username mismatch so both
	// failure modes take the same time.
	hashErr := bcrypt.CompareHashAndPassword([]byte(s.auth.passwordHash), []byte(req.Password))
	if req.Username != s.auth.username || hashErr != nil {
		s.logger.Warn("failed login", "username", req.Username, "ip", clientIP(r))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.auth.generateToken(req.Username)
	if err != nil {
		s.logger.Error("signing token", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.logger.Info("console login", "username", req.Username, "ip", clientIP(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}
