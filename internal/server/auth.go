package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"adgate/internal/config"
	"adgate/internal/repo"
)

// Principal is the resolved caller identity scoping every tenant-bound
// operation.
type Principal struct {
	TenantID    string
	PrincipalID string
	Source      string
}

// TenantResolver maps an incoming HTTP request to a principal.
type TenantResolver interface {
	Resolve(r *http.Request) (Principal, error)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.TenantID != ""
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Tenant string `json:"tenant,omitempty"`
}

// credentialResolver is the bundled TenantResolver: JWT bearer tokens first,
// then X-Api-Key lookups, then the development anonymous fallback.
type credentialResolver struct {
	repo repo.Repo
	cfg  *config.Config
}

// NewResolver builds the default credential resolver over the key store.
func NewResolver(r repo.Repo, cfg *config.Config) TenantResolver {
	return credentialResolver{repo: r, cfg: cfg}
}

func (cr credentialResolver) Resolve(r *http.Request) (Principal, error) {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, errors.New("malformed authorization header")
		}
		return cr.resolveJWT(token)
	}
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		return cr.resolveAPIKey(r.Context(), key)
	}
	if cr.cfg.Auth.AllowAnonymous {
		principal := cr.cfg.Auth.AnonymousPrincipal
		if principal == "" {
			principal = "anonymous"
		}
		return Principal{
			TenantID:    cr.cfg.Auth.AnonymousTenant,
			PrincipalID: principal,
			Source:      "anonymous",
		}, nil
	}
	return Principal{}, errors.New("no credentials supplied")
}

func (cr credentialResolver) resolveJWT(token string) (Principal, error) {
	secret := strings.TrimSpace(cr.cfg.Auth.JWTSecret)
	if secret == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	if claims.Tenant == "" {
		return Principal{}, errors.New("tenant claim required")
	}
	return Principal{TenantID: claims.Tenant, PrincipalID: claims.Subject, Source: "jwt"}, nil
}

func (cr credentialResolver) resolveAPIKey(ctx context.Context, key string) (Principal, error) {
	apiKey, err := cr.repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Principal{}, errors.New("unknown api key")
		}
		return Principal{}, err
	}
	return Principal{TenantID: apiKey.TenantID, PrincipalID: apiKey.PrincipalID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

type authErrKey struct{}

// newAuthMiddleware resolves the caller once per request and stashes either
// the principal or the resolution failure. Enforcement is per method: the RPC
// dispatcher lets allowlisted methods through without a principal, and the
// admin surface requires one everywhere except health.
func newAuthMiddleware(resolver TenantResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			principal, err := resolver.Resolve(req)
			ctx := req.Context()
			if err != nil {
				ctx = context.WithValue(ctx, authErrKey{}, err)
			} else {
				ctx = withPrincipal(ctx, principal)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func authFailure(ctx context.Context) error {
	if err, ok := ctx.Value(authErrKey{}).(error); ok {
		return err
	}
	return nil
}
