package repository

import (
	"context"

	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
)

type UserRepository struct {
	store jsonStore
}

func NewUserRepository(storage interfaces.Storage, log *zap.Logger) *UserRepository {
	return &UserRepository{store: newJSONStore(storage, log)}
}

// Load returns stored users, skipping records with an unknown role.
func (r *UserRepository) Load(ctx context.Context) []entities.User {
	var users []entities.User
	if !r.store.load(ctx, KeyUsers, &users) {
		return nil
	}
	valid := users[:0]
	for _, u := range users {
		if u.ID == "" || u.Username == "" || !u.Role.Valid() {
			r.store.log.Warn("dropping invalid stored user", zap.String("user_id", u.ID))
			continue
		}
		valid = append(valid, u)
	}
	return valid
}

func (r *UserRepository) Save(ctx context.Context, users []entities.User) error {
	return r.store.save(ctx, KeyUsers, users)
}
