// Package auth resolves connection credentials into principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/in"
	"realtime_server/core/port/out"
	"realtime_server/pkg/apperr"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// Claims is the token body accepted from clients and business services.
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret string
	// Strict rejects a present but invalid credential instead of
	// downgrading the connection to a guest.
	Strict        bool
	CacheTTL      time.Duration
	CacheSize     int
	LookupTimeout time.Duration
	ClockSkew     time.Duration
}

type cached struct {
	principal domain.Principal
	expiresAt time.Time
}

type Option func(*Resolver)

func WithClock(clk clock.Clock) Option {
	return func(r *Resolver) { r.clock = clk }
}

// WithGrants merges roles and permissions from a grant store into every
// authenticated principal.
func WithGrants(g out.GrantStore) Option {
	return func(r *Resolver) { r.grants = g }
}

func WithRevocation(rv out.TokenRevocation) Option {
	return func(r *Resolver) { r.revoked = rv }
}

type Resolver struct {
	cfg     Config
	grants  out.GrantStore
	revoked out.TokenRevocation
	cache   *expirable.LRU[string, cached]
	clock   clock.Clock
	log     zerolog.Logger
}

func NewResolver(cfg Config, log zerolog.Logger, opts ...Option) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 2 * time.Second
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = time.Minute
	}
	r := &Resolver{
		cfg:   cfg,
		cache: expirable.NewLRU[string, cached](cfg.CacheSize, nil, cfg.CacheTTL),
		clock: clock.New(),
		log:   log.With().Str("component", "auth").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve turns a bearer credential into a principal. An absent credential
// always yields a guest. An invalid one yields a guest unless the resolver is
// strict, in which case it fails with Unauthorized.
func (r *Resolver) Resolve(ctx context.Context, credential string) (domain.Principal, error) {
	token := bearer(credential)
	if token == "" {
		return domain.GuestPrincipal(uuid.NewString()), nil
	}

	now := r.clock.Now()
	if hit, ok := r.cache.Get(token); ok {
		if hit.expiresAt.IsZero() || now.Before(hit.expiresAt) {
			return hit.principal, nil
		}
		r.cache.Remove(token)
	}

	p, exp, err := r.authenticate(ctx, token)
	if err != nil {
		r.log.Debug().Err(err).Msg("credential rejected")
		if r.cfg.Strict {
			return domain.Principal{}, apperr.Unauthorized("invalid credential").WithError(err)
		}
		return domain.GuestPrincipal(uuid.NewString()), nil
	}

	r.cache.Add(token, cached{principal: p, expiresAt: exp})
	return p, nil
}

func (r *Resolver) authenticate(ctx context.Context, token string) (domain.Principal, time.Time, error) {
	claims, err := r.Parse(token)
	if err != nil {
		return domain.Principal{}, time.Time{}, err
	}
	if claims.Subject == "" {
		return domain.Principal{}, time.Time{}, errors.New("missing subject")
	}

	if claims.ID != "" && r.revoked != nil {
		lctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
		revoked, err := r.revoked.IsRevoked(lctx, claims.ID)
		cancel()
		switch {
		case err != nil:
			r.log.Warn().Err(err).Str("jti", claims.ID).Msg("revocation check failed")
		case revoked:
			return domain.Principal{}, time.Time{}, errors.New("token has been revoked")
		}
	}

	p := domain.Principal{
		UserID:      claims.Subject,
		SessionID:   claims.SessionID,
		Roles:       append([]string(nil), claims.Roles...),
		Permissions: domain.NewPermissionSet(domain.PermissionUser),
	}
	p.Permissions.Add(claims.Permissions...)
	if p.SessionID == "" {
		p.SessionID = claims.ID
	}
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}

	if r.grants != nil {
		lctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
		roles, perms, err := r.grants.Grants(lctx, p.UserID)
		cancel()
		if err != nil {
			r.log.Warn().Err(err).Str("user_id", p.UserID).Msg("grant lookup failed, using token claims only")
		} else {
			p.Roles = mergeRoles(p.Roles, roles)
			p.Permissions.Add(perms...)
		}
	}

	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return p, exp, nil
}

// Parse validates an HS256 token and returns its claims.
func (r *Resolver) Parse(token string) (*Claims, error) {
	if r.cfg.Secret == "" {
		return nil, errors.New("JWT secret not configured")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unsupported signing method: %v", t.Header["alg"])
		}
		return []byte(r.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(r.cfg.ClockSkew),
		jwt.WithTimeFunc(r.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Revoke blacklists the token's jti until the token would have expired and
// evicts it from the principal cache. Only signed tokens that still verify
// and carry a jti can be revoked.
func (r *Resolver) Revoke(ctx context.Context, credential string) (domain.Principal, error) {
	if r.revoked == nil {
		return domain.Principal{}, apperr.Internal("token revocation is not configured")
	}
	token := bearer(credential)
	claims, err := r.Parse(token)
	if err != nil {
		return domain.Principal{}, apperr.InvalidToken("token cannot be revoked").WithError(err)
	}
	if claims.ID == "" {
		return domain.Principal{}, apperr.BadRequest("token has no jti")
	}

	// Zero keeps the entry forever, matching a token without expiry.
	var ttl time.Duration
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Time.Sub(r.clock.Now()) + r.cfg.ClockSkew
	}

	lctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	defer cancel()
	if err := r.revoked.Revoke(lctx, claims.ID, ttl); err != nil {
		return domain.Principal{}, apperr.ExternalError("token blacklist", err)
	}
	r.Invalidate(token)

	session := claims.SessionID
	if session == "" {
		session = claims.ID
	}
	r.log.Info().Str("jti", claims.ID).Str("user_id", claims.Subject).Dur("ttl", ttl).Msg("token revoked")
	return domain.Principal{UserID: claims.Subject, SessionID: session}, nil
}

// Invalidate drops a cached principal.
func (r *Resolver) Invalidate(credential string) {
	r.cache.Remove(bearer(credential))
}

func bearer(credential string) string {
	credential = strings.TrimSpace(credential)
	if len(credential) > 7 && strings.EqualFold(credential[:7], "bearer ") {
		credential = strings.TrimSpace(credential[7:])
	}
	return credential
}

func mergeRoles(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, role := range list {
			if role == "" {
				continue
			}
			if _, ok := seen[role]; ok {
				continue
			}
			seen[role] = struct{}{}
			merged = append(merged, role)
		}
	}
	return merged
}

var (
	_ in.IdentityResolver = (*Resolver)(nil)
	_ in.TokenRevoker     = (*Resolver)(nil)
)
