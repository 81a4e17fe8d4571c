package usecases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"bulkmailer/internal/entities"
)

const tokenTTL = 24 * time.Hour

type ctxKey struct{}

// WithUserID attaches the authenticated user id to ctx.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

type AuthUsecase struct {
	users     *UserQuota
	jwtSecret []byte
	now       func() time.Time
}

func NewAuthUsecase(users *UserQuota, secret string) *AuthUsecase {
	return &AuthUsecase{
		users:     users,
		jwtSecret: []byte(secret),
		now:       time.Now,
	}
}

// Register creates an active account with the default user role.
func (uc *AuthUsecase) Register(ctx context.Context, username, email, password string) (entities.User, error) {
	return uc.create(ctx, username, email, password, entities.RoleUser)
}

func (uc *AuthUsecase) create(ctx context.Context, username, email, password string, role entities.Role) (entities.User, error) {
	if _, exists := uc.users.GetByUsername(username); exists {
		return entities.User{}, entities.ErrUserExists
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return entities.User{}, fmt.Errorf("hash password: %w", err)
	}
	return uc.users.Create(ctx, entities.User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(username),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hashed),
		Role:         role,
		IsActive:     true,
	})
}

func (uc *AuthUsecase) Login(ctx context.Context, username, password string) (string, error) {
	user, ok := uc.users.GetByUsername(username)
	if !ok || !user.IsActive {
		return "", entities.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", entities.ErrInvalidCredentials
	}

	now := uc.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"role":    string(user.Role),
		"exp":     now.Add(tokenTTL).Unix(),
	})
	tokenString, err := token.SignedString(uc.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	_ = uc.users.TouchLogin(ctx, user.ID, now)
	return tokenString, nil
}

// EnsureAdmin creates an admin when no users exist (called on startup)
func (uc *AuthUsecase) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	if uc.users.Count() > 0 {
		return false, nil
	}
	if _, err := uc.create(ctx, username, "", password, entities.RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}

// CurrentUser implements interfaces.Identity from the request context.
func (uc *AuthUsecase) CurrentUser(ctx context.Context) (*entities.User, error) {
	id, ok := UserIDFrom(ctx)
	if !ok {
		return nil, entities.ErrUnauthorized
	}
	user, found := uc.users.Get(id)
	if !found || !user.IsActive {
		return nil, entities.ErrUnauthorized
	}
	return &user, nil
}
