package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ScopeSubmit is the scope a token needs to submit transactions.
const ScopeSubmit = "tx:submit"

// AuthConfig configures bearer-token checks on transaction submission.
// Read methods are always anonymous.
type AuthConfig struct {
	Enabled    bool          `toml:"Enabled"`
	HMACSecret string        `toml:"HMACSecret"`
	Issuer     string        `toml:"Issuer"`
	Audience   string        `toml:"Audience"`
	ScopeClaim string        `toml:"ScopeClaim"`
	ClockSkew  time.Duration `toml:"ClockSkew"`
}

type authenticator struct {
	cfg    AuthConfig
	secret []byte
}

func newAuthenticator(cfg AuthConfig) (*authenticator, error) {
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if cfg.Enabled && len(secret) == 0 {
		return nil, errors.New("rpc: auth enabled without HMAC secret")
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &authenticator{cfg: cfg, secret: secret}, nil
}

// authorize returns nil when auth is disabled or the request carries a
// valid token holding every required scope.
func (a *authenticator) authorize(r *http.Request, required ...string) *RPCError {
	if a == nil || !a.cfg.Enabled {
		return nil
	}
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	claims, err := a.parse(raw)
	if err != nil {
		return &RPCError{Code: codeUnauthorized, Message: "invalid token", Data: err.Error()}
	}
	if !hasScopes(extractScopes(claims, a.cfg.ScopeClaim), required) {
		return &RPCError{Code: codeUnauthorized, Message: "insufficient scope"}
	}
	return nil
}

func (a *authenticator) parse(raw string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
