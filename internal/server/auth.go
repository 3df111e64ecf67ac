package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"mechline/internal/authz"
	"mechline/internal/repo"
)

type AuthConfig struct {
	JWTSecret            string
	AllowLegacyHeader    bool
	DevLoginEnabled      bool
	TokenLifetimeMinutes int
	Logger               *log.Logger
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) tokenLifetime() time.Duration {
	if c.TokenLifetimeMinutes <= 0 {
		return 8 * time.Hour
	}
	return time.Duration(c.TokenLifetimeMinutes) * time.Minute
}

type identityKey struct{}

func withIdentity(ctx context.Context, id authz.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(ctx context.Context) (authz.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(authz.Identity)
	return id, ok
}

func identityFromRequest(ctx context.Context) (authz.Identity, huma.StatusError) {
	if id, ok := identityFromContext(ctx); ok && id.UserID != "" {
		return id, nil
	}
	return authz.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role    string   `json:"role,omitempty"`
	SiteIDs []string `json:"site_ids,omitempty"`
}

func authenticateJWT(token string, secret string) (authz.Identity, error) {
	if strings.TrimSpace(secret) == "" {
		return authz.Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return authz.Identity{}, err
	}
	if !parsed.Valid {
		return authz.Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return authz.Identity{}, errors.New("subject claim required")
	}
	role, err := authz.ParseRole(claims.Role)
	if err != nil {
		return authz.Identity{}, err
	}
	return authz.Identity{
		UserID:  claims.Subject,
		Role:    role,
		SiteIDs: claims.SiteIDs,
	}, nil
}

// authenticateAPIKey resolves the key's owning user so the identity carries
// the role and site assignments currently on record, not the ones at key
// creation time.
func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (authz.Identity, error) {
	if strings.TrimSpace(key) == "" {
		return authz.Identity{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return authz.Identity{}, err
	}
	u, err := r.GetUser(ctx, apiKey.UserID)
	if err != nil {
		return authz.Identity{}, err
	}
	role, err := authz.ParseRole(u.Role)
	if err != nil {
		return authz.Identity{}, err
	}
	return authz.Identity{
		UserID:  u.ID,
		Role:    role,
		SiteIDs: u.SiteIDs,
	}, nil
}

// SignToken mints an HS256 bearer token carrying the role and site claims.
func SignToken(secret, userID string, role authz.Role, siteIDs []string, lifetime time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
		Role:    string(role),
		SiteIDs: siteIDs,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == devLoginPath {
				next.ServeHTTP(w, req)
				return
			}

			authHeader := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacyUser := strings.TrimSpace(req.Header.Get("X-User-Id"))

			if authHeader != "" {
				token, ok := bearerToken(authHeader)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				id, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), id)))
				return
			}

			if apiKeyHeader != "" {
				id, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), id)))
				return
			}

			if legacyUser != "" && cfg.AllowLegacyHeader {
				u, err := r.GetUser(req.Context(), legacyUser)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				role, err := authz.ParseRole(u.Role)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				cfg.logger().Printf("WARNING: using legacy X-User-Id header without auth; deprecated and ignored when Authorization or X-Api-Key is present (user_id=%s)", legacyUser)
				id := authz.Identity{UserID: u.ID, Role: role, SiteIDs: u.SiteIDs}
				next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), id)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
