package repository

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"bulkmailer/internal/interfaces"
)

// Storage keys.
const (
	KeyAccounts = "gmail_accounts"
	KeyUsers    = "system_users"
	KeyQueue    = "bulk_queue"
	KeyStats    = "bulk_stats"
	KeyLock     = "system_lock"
	KeySendLog  = "send_log"
)

// jsonStore reconciles on read: any load or decode failure yields empty state.
type jsonStore struct {
	storage interfaces.Storage
	log     *zap.Logger
}

func newJSONStore(storage interfaces.Storage, log *zap.Logger) jsonStore {
	if log == nil {
		log = zap.NewNop()
	}
	return jsonStore{storage: storage, log: log}
}

// load decodes key into v and reports whether usable data was found.
func (s jsonStore) load(ctx context.Context, key string, v interface{}) bool {
	raw, err := s.storage.Load(ctx, key)
	if err != nil {
		s.log.Warn("storage load failed, starting empty", zap.String("key", key), zap.Error(err))
		return false
	}
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.log.Warn("discarding unreadable stored state", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s jsonStore) save(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.storage.Save(ctx, key, raw)
}
