package agent

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures BearerAuth.
type AuthConfig struct {
	// PublicKey verifies RS256 token signatures. Required.
	PublicKey *rsa.PublicKey
	// Issuer, if non-empty, must equal the iss claim.
	Issuer string
	// Audience, if non-empty, must appear in the aud claim.
	Audience string
}

// ParseRSAPublicKey decodes a PEM encoded RSA public key (PKCS#1, PKIX or
// inside a certificate).
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("agent: parse public key: %w", err)
	}
	return key, nil
}

// BearerAuth returns middleware that rejects requests without a valid RS256
// bearer token with 401 and a JSON error body. Tokens without exp are
// accepted; expired ones are not.
func BearerAuth(cfg AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.PublicKey, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, err := parser.Parse(raw, keyFunc); err != nil {
				logger.Warn("http: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, detail)
}
