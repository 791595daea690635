package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"realtime_server/core/domain"
	"realtime_server/pkg/apperr"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

func sign(t *testing.T, secret string, method jwt.SigningMethod, c Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func claimsFor(sub string, now time.Time, ttl time.Duration) Claims {
	return Claims{
		Permissions: []string{"orders:read"},
		Roles:       []string{"customer"},
		SessionID:   "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        "jti-" + sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

type stubGrants struct {
	roles, perms []string
	err          error
	calls        int
}

func (g *stubGrants) Grants(context.Context, string) ([]string, []string, error) {
	g.calls++
	return g.roles, g.perms, g.err
}

type stubRevocation map[string]bool

func (s stubRevocation) IsRevoked(_ context.Context, jti string) (bool, error) { return s[jti], nil }

func (s stubRevocation) Revoke(_ context.Context, jti string, _ time.Duration) error {
	s[jti] = true
	return nil
}

func newResolver(strict bool, opts ...Option) (*Resolver, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(mock)}, opts...)
	return NewResolver(Config{Secret: testSecret, Strict: strict}, zerolog.Nop(), opts...), mock
}

func TestResolve(t *testing.T) {
	r, mock := newResolver(false)
	now := mock.Now()

	tests := []struct {
		name       string
		credential string
		wantUser   string
		wantGuest  bool
	}{
		{"absent", "", "", true},
		{"valid", sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u1", now, time.Hour)), "u1", false},
		{"bearer prefix", "Bearer " + sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u2", now, time.Hour)), "u2", false},
		{"expired", sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u3", now.Add(-3*time.Hour), time.Hour)), "", true},
		{"wrong secret", sign(t, "other", jwt.SigningMethodHS256, claimsFor("u4", now, time.Hour)), "", true},
		{"wrong algorithm", sign(t, testSecret, jwt.SigningMethodHS512, claimsFor("u5", now, time.Hour)), "", true},
		{"missing subject", sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("", now, time.Hour)), "", true},
		{"garbage", "not-a-token", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Resolve(context.Background(), tt.credential)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if p.Guest != tt.wantGuest || p.UserID != tt.wantUser {
				t.Fatalf("principal = %+v", p)
			}
			if tt.wantGuest {
				if !p.Permissions.Has(domain.PermissionGuest) || len(p.Permissions) != 1 {
					t.Errorf("guest permissions = %v", p.Permissions.Slice())
				}
				if p.SessionID == "" {
					t.Error("guest without session id")
				}
				return
			}
			for _, perm := range []string{domain.PermissionUser, "orders:read"} {
				if !p.Permissions.Has(perm) {
					t.Errorf("missing permission %s", perm)
				}
			}
			if !p.HasRole("customer") || p.SessionID != "sess-1" {
				t.Errorf("principal = %+v", p)
			}
		})
	}
}

func TestResolve_Strict(t *testing.T) {
	r, mock := newResolver(true)

	if p, err := r.Resolve(context.Background(), ""); err != nil || !p.Guest {
		t.Fatalf("absent credential = %+v, %v; want guest", p, err)
	}

	expired := sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u1", mock.Now().Add(-3*time.Hour), time.Hour))
	_, err := r.Resolve(context.Background(), expired)
	if err == nil {
		t.Fatal("strict resolver accepted an expired token")
	}
	if code := apperr.AsAppError(err).Code; code != apperr.CodeUnauthorized {
		t.Errorf("code = %s, want %s", code, apperr.CodeUnauthorized)
	}
}

func TestResolve_Revoked(t *testing.T) {
	revoked := stubRevocation{"jti-u1": true}
	r, mock := newResolver(false, WithRevocation(revoked))

	p, _ := r.Resolve(context.Background(), sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u1", mock.Now(), time.Hour)))
	if !p.Guest {
		t.Errorf("revoked token resolved to %+v", p)
	}
	p, _ = r.Resolve(context.Background(), sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u2", mock.Now(), time.Hour)))
	if p.UserID != "u2" {
		t.Errorf("unrevoked token resolved to %+v", p)
	}
}

func TestResolve_GrantsAndCache(t *testing.T) {
	grants := &stubGrants{roles: []string{"admin", "customer"}, perms: []string{"admin"}}
	r, mock := newResolver(false, WithGrants(grants))
	tok := sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u1", mock.Now(), 30*time.Second))

	p, _ := r.Resolve(context.Background(), tok)
	if !p.HasRole("admin") || !p.Permissions.Has("admin") || len(p.Roles) != 2 {
		t.Fatalf("merged principal = %+v", p)
	}

	r.Resolve(context.Background(), tok)
	if grants.calls != 1 {
		t.Errorf("grant lookups = %d, want 1 with cache", grants.calls)
	}

	mock.Add(5 * time.Minute)
	if p, _ := r.Resolve(context.Background(), tok); !p.Guest {
		t.Errorf("cached principal outlived its token: %+v", p)
	}
}

func TestResolve_GrantFailureKeepsClaims(t *testing.T) {
	r, mock := newResolver(false, WithGrants(&stubGrants{err: errors.New("db down")}))
	p, err := r.Resolve(context.Background(), sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u1", mock.Now(), time.Hour)))
	if err != nil || p.UserID != "u1" || !p.Permissions.Has("orders:read") {
		t.Errorf("principal = %+v, %v", p, err)
	}
}

func TestRevoke(t *testing.T) {
	revoked := stubRevocation{}
	r, mock := newResolver(false, WithRevocation(revoked))
	ctx := context.Background()
	tok := sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u1", mock.Now(), time.Hour))

	if p, _ := r.Resolve(ctx, tok); p.UserID != "u1" {
		t.Fatalf("Resolve() = %+v before revocation", p)
	}

	p, err := r.Revoke(ctx, "Bearer "+tok)
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if p.UserID != "u1" || p.SessionID != "sess-1" {
		t.Errorf("Revoke() = %+v, want u1/sess-1", p)
	}
	if !revoked["jti-u1"] {
		t.Error("jti not blacklisted")
	}
	if p, _ := r.Resolve(ctx, tok); !p.Guest {
		t.Errorf("cached principal survived revocation: %+v", p)
	}
}

func TestRevoke_Rejected(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	now := mock.Now()
	noID := claimsFor("u1", now, time.Hour)
	noID.ID = ""

	tests := []struct {
		name  string
		store bool
		token string
		code  string
	}{
		{"no blacklist", false, sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u1", now, time.Hour)), apperr.CodeInternalError},
		{"wrong secret", true, sign(t, "other", jwt.SigningMethodHS256, claimsFor("u1", now, time.Hour)), apperr.CodeInvalidToken},
		{"expired", true, sign(t, testSecret, jwt.SigningMethodHS256, claimsFor("u1", now.Add(-3*time.Hour), time.Hour)), apperr.CodeInvalidToken},
		{"no jti", true, sign(t, testSecret, jwt.SigningMethodHS256, noID), apperr.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithClock(mock)}
			if tt.store {
				opts = append(opts, WithRevocation(stubRevocation{}))
			}
			r := NewResolver(Config{Secret: testSecret}, zerolog.Nop(), opts...)

			_, err := r.Revoke(context.Background(), tt.token)
			if code := apperr.AsAppError(err).Code; code != tt.code {
				t.Errorf("code = %s, want %s (err %v)", code, tt.code, err)
			}
		})
	}
}
