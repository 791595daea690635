package persistence

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"realtime_server/core/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

var grantsQuery = `SELECT\s+array_agg\(.+FROM realtime_user_grants\s+WHERE user_id = \$1`

func TestGrantAdapter_Grants(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(grantsQuery).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"roles", "permissions"}).
			AddRow("{ops,support}", "{admin}"))

	roles, perms, err := NewGrantAdapter(db).Grants(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Grants() error = %v", err)
	}
	if len(roles) != 2 || roles[0] != "ops" || roles[1] != "support" {
		t.Errorf("roles = %v", roles)
	}
	if len(perms) != 1 || perms[0] != "admin" {
		t.Errorf("permissions = %v", perms)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGrantAdapter_GrantsUnknownUser(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(grantsQuery).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"roles", "permissions"}).AddRow(nil, nil))

	roles, perms, err := NewGrantAdapter(db).Grants(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Grants() error = %v", err)
	}
	if len(roles) != 0 || len(perms) != 0 {
		t.Errorf("Grants() = %v, %v, want none", roles, perms)
	}
}

func TestGrantAdapter_GrantsError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(grantsQuery).WithArgs("u1").WillReturnError(errors.New("connection refused"))

	if _, _, err := NewGrantAdapter(db).Grants(context.Background(), "u1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestGrantAdapter_Grant(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO realtime_user_grants")).
		WithArgs("u1", "role", "ops").
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := NewGrantAdapter(db)
	if err := a.Grant(context.Background(), "u1", "role", "ops"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if err := a.Grant(context.Background(), "u1", "group", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Grant(bad kind) error = %v, want ErrInvalidInput", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnectionMirror(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()

	m := NewConnectionMirror(client)
	m.key = "test:websocket:connections:" + time.Now().Format("150405.000000")
	t.Cleanup(func() { client.Del(ctx, m.key) })

	for _, info := range []*domain.ConnectionInfo{
		{ConnectionID: "c1", Node: "a", UserID: "u1", Transport: domain.TransportWebSocket},
		{ConnectionID: "c2", Node: "a", Transport: domain.TransportSSE},
		{ConnectionID: "c3", Node: "b", UserID: "u2", Transport: domain.TransportWebSocket},
	} {
		if err := m.Put(ctx, info); err != nil {
			t.Fatal(err)
		}
	}

	if n, _ := m.Count(ctx); n != 3 {
		t.Fatalf("Count() = %d, want 3", n)
	}
	got, err := m.Get(ctx, "c1")
	if err != nil || got.UserID != "u1" {
		t.Fatalf("Get(c1) = %+v, %v", got, err)
	}

	if err := m.Remove(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(removed) error = %v, want ErrNotFound", err)
	}

	purged, err := m.PurgeNode(ctx, "a")
	if err != nil || purged != 1 {
		t.Fatalf("PurgeNode(a) = %d, %v; want 1", purged, err)
	}
	if n, _ := m.Count(ctx); n != 1 {
		t.Errorf("Count() after purge = %d, want 1", n)
	}
}

func TestTokenBlacklist(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()

	b := NewTokenBlacklist(client)
	b.prefix = "test:token:blacklist:"
	jti := "jti-" + time.Now().Format("150405.000000")

	if revoked, err := b.IsRevoked(ctx, jti); err != nil || revoked {
		t.Fatalf("IsRevoked(fresh) = %v, %v", revoked, err)
	}
	if err := b.Revoke(ctx, jti, time.Minute); err != nil {
		t.Fatal(err)
	}
	if revoked, _ := b.IsRevoked(ctx, jti); !revoked {
		t.Error("revoked token not reported")
	}
	client.Del(ctx, b.prefix+jti)
}
