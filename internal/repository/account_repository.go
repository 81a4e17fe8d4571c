package repository

import (
	"context"

	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
)

// AccountSnapshot is the persisted pool: accounts in rotation order plus the cursor.
type AccountSnapshot struct {
	Accounts []entities.Account `json:"accounts"`
	Cursor   int                `json:"cursor"`
}

type AccountRepository struct {
	store jsonStore
}

func NewAccountRepository(storage interfaces.Storage, log *zap.Logger) *AccountRepository {
	return &AccountRepository{store: newJSONStore(storage, log)}
}

// Load returns the stored pool, or an empty one when nothing usable is stored.
func (r *AccountRepository) Load(ctx context.Context) AccountSnapshot {
	var snap AccountSnapshot
	if !r.store.load(ctx, KeyAccounts, &snap) {
		return AccountSnapshot{}
	}
	valid := snap.Accounts[:0]
	for _, a := range snap.Accounts {
		if a.ID == "" || !a.Type.Valid() || a.Limits().Validate() != nil {
			r.store.log.Warn("dropping invalid stored account", zap.String("account_id", a.ID))
			continue
		}
		valid = append(valid, a)
	}
	snap.Accounts = valid
	if snap.Cursor < 0 || snap.Cursor >= len(valid) {
		snap.Cursor = 0
	}
	return snap
}

func (r *AccountRepository) Save(ctx context.Context, snap AccountSnapshot) error {
	return r.store.save(ctx, KeyAccounts, snap)
}
