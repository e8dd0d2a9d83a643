package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Development overrides accepted by DevAuthMiddleware.
const (
	DevSubjectHeader = "X-Dev-Subject"
	DevRolesHeader   = "X-Dev-Roles"
)

// Claims are the token claims the API reads. Roles may be given at the top
// level or, as Keycloak issues them, under realm_access.
type Claims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// AllRoles merges both role claims without duplicates.
func (c *Claims) AllRoles() []string {
	seen := make(map[string]bool, len(c.Roles)+len(c.RealmAccess.Roles))
	var roles []string
	for _, r := range append(append([]string{}, c.Roles...), c.RealmAccess.Roles...) {
		if r != "" && !seen[r] {
			seen[r] = true
			roles = append(roles, r)
		}
	}
	return roles
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches verification to HS256 with a shared secret.
	SigningKey []byte
}

func (cfg JWTConfig) verifier() (jwt.Keyfunc, []jwt.ParserOption) {
	opts := []jwt.ParserOption{jwt.WithLeeway(30 * time.Second)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	if len(cfg.SigningKey) > 0 {
		secret := cfg.SigningKey
		return func(*jwt.Token) (interface{}, error) { return secret, nil },
			append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	}

	keys := newKeySet(cfg.JWKSURL, defaultJWKSCacheTTL)
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return keys.key(kid)
	}, append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return token, nil
}

// JWTMiddleware authenticates the bearer token and puts the subject, roles
// and email on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc, opts := cfg.verifier()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			claims := &Claims{}
			if _, err := jwt.ParseWithClaims(raw, claims, keyFunc, opts...); err != nil {
				msg := "invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "token expired"
				}
				return echo.NewHTTPError(http.StatusUnauthorized, msg).SetInternal(err)
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			ctx := WithIdentity(c.Request().Context(), claims.Subject, claims.AllRoles(), claims.Email)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as an admin, or as
// the identity named by the X-Dev-Subject and X-Dev-Roles headers. A token
// that is present is still verified.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	jwtMW := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withToken := jwtMW(next)
		return func(c echo.Context) error {
			req := c.Request()
			if req.Header.Get(echo.HeaderAuthorization) != "" {
				return withToken(c)
			}

			subject := req.Header.Get(DevSubjectHeader)
			if subject == "" {
				subject = "dev-user"
			}
			roles := []string{RoleAdmin}
			if raw := req.Header.Get(DevRolesHeader); raw != "" {
				roles = splitRoles(raw)
			}
			c.SetRequest(req.WithContext(WithIdentity(req.Context(), subject, roles, "")))
			return next(c)
		}
	}
}

func splitRoles(raw string) []string {
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
