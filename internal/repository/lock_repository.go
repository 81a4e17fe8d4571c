package repository

import (
	"context"

	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
)

type LockRepository struct {
	store jsonStore
}

func NewLockRepository(storage interfaces.Storage, log *zap.Logger) *LockRepository {
	return &LockRepository{store: newJSONStore(storage, log)}
}

func (r *LockRepository) Load(ctx context.Context) entities.LockState {
	var st entities.LockState
	if !r.store.load(ctx, KeyLock, &st) {
		return entities.LockState{}
	}
	if st.Locked && st.Kind != entities.LockManual && st.Kind != entities.LockLimit {
		st.Kind = entities.LockManual
	}
	return st
}

func (r *LockRepository) Save(ctx context.Context, st entities.LockState) error {
	return r.store.save(ctx, KeyLock, st)
}
