package usecases

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"bulkmailer/internal/entities"
)

const testSecret = "test-secret-test-secret-test-secret"

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	quota := newTestQuota(newTestClock(testNow))
	auth := NewAuthUsecase(quota, testSecret)

	u, err := auth.Register(ctx, "alice", "Alice@Example.com", "hunter22")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Role != entities.RoleUser || !u.IsActive || u.Email != "alice@example.com" || u.PasswordHash == "hunter22" {
		t.Fatalf("registered user = %+v", u)
	}
	if _, err := auth.Register(ctx, "alice", "", "another1"); !errors.Is(err, entities.ErrUserExists) {
		t.Fatalf("duplicate Register err = %v", err)
	}

	token, err := auth.Login(ctx, "alice", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) { return []byte(testSecret), nil })
	if err != nil || !parsed.Valid {
		t.Fatalf("token invalid: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["user_id"] != u.ID || claims["role"] != string(entities.RoleUser) {
		t.Fatalf("claims = %v", claims)
	}
	got, _ := quota.Get(u.ID)
	if got.LastLogin == nil {
		t.Fatal("LastLogin not recorded")
	}

	if _, err := auth.Login(ctx, "alice", "wrong-password"); !errors.Is(err, entities.ErrInvalidCredentials) {
		t.Fatalf("bad password err = %v", err)
	}
	if _, err := auth.Login(ctx, "nobody", "hunter22"); !errors.Is(err, entities.ErrInvalidCredentials) {
		t.Fatalf("unknown user err = %v", err)
	}

	if err := quota.SetActive(ctx, u.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := auth.Login(ctx, "alice", "hunter22"); !errors.Is(err, entities.ErrInvalidCredentials) {
		t.Fatalf("inactive user err = %v", err)
	}
}

func TestEnsureAdminOnlyOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	quota := newTestQuota(newTestClock(testNow))
	auth := NewAuthUsecase(quota, testSecret)

	created, err := auth.EnsureAdmin(ctx, "admin", "s3cret-pass")
	if err != nil || !created {
		t.Fatalf("EnsureAdmin = %v, %v", created, err)
	}
	admin, ok := quota.GetByUsername("admin")
	if !ok || admin.Role != entities.RoleAdmin {
		t.Fatalf("admin = %+v/%v", admin, ok)
	}
	if created, _ := auth.EnsureAdmin(ctx, "admin2", "other-pass"); created {
		t.Fatal("EnsureAdmin created a second admin")
	}
}

func TestCurrentUser(t *testing.T) {
	ctx := context.Background()
	quota := newTestQuota(newTestClock(testNow))
	auth := NewAuthUsecase(quota, testSecret)
	u := addUser(t, quota, "bob", entities.RoleUser, -1)

	if _, err := auth.CurrentUser(ctx); !errors.Is(err, entities.ErrUnauthorized) {
		t.Fatalf("anonymous err = %v", err)
	}
	got, err := auth.CurrentUser(WithUserID(ctx, u.ID))
	if err != nil || got.ID != u.ID {
		t.Fatalf("CurrentUser = %+v, %v", got, err)
	}
	if _, err := auth.CurrentUser(WithUserID(ctx, "ghost")); !errors.Is(err, entities.ErrUnauthorized) {
		t.Fatalf("unknown id err = %v", err)
	}
}
