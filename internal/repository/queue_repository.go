package repository

import (
	"context"

	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
)

// QueueSnapshot is the persisted dispatcher state.
type QueueSnapshot struct {
	Batches []entities.Batch     `json:"batches"`
	Totals  entities.Stats       `json:"totals"`
	Global  entities.UsageWindow `json:"global"`
}

type QueueRepository struct {
	store jsonStore
}

func NewQueueRepository(storage interfaces.Storage, log *zap.Logger) *QueueRepository {
	return &QueueRepository{store: newJSONStore(storage, log)}
}

// Load restores the queue. Items caught mid-send by a crash go back to queued
// since their outcome is unknown.
func (r *QueueRepository) Load(ctx context.Context) QueueSnapshot {
	var snap QueueSnapshot
	r.store.load(ctx, KeyQueue, &snap.Batches)
	var stats statsRecord
	if r.store.load(ctx, KeyStats, &stats) {
		snap.Totals = stats.Totals
		snap.Global = stats.Global
	}

	batches := snap.Batches[:0]
	for _, b := range snap.Batches {
		if b.ID == "" || len(b.Items) == 0 {
			continue
		}
		for i := range b.Items {
			it := &b.Items[i]
			switch it.Status {
			case entities.ItemQueued, entities.ItemSent, entities.ItemFailed:
			default:
				it.Status = entities.ItemQueued
			}
			if it.Retry.Kind == "" {
				it.Retry = entities.Pending()
			}
		}
		if b.Status == entities.BatchProcessing {
			b.Status = entities.BatchQueued
		}
		batches = append(batches, b)
	}
	snap.Batches = batches
	return snap
}

type statsRecord struct {
	Totals entities.Stats       `json:"totals"`
	Global entities.UsageWindow `json:"global"`
}

func (r *QueueRepository) SaveBatches(ctx context.Context, batches []entities.Batch) error {
	return r.store.save(ctx, KeyQueue, batches)
}

func (r *QueueRepository) SaveStats(ctx context.Context, totals entities.Stats, global entities.UsageWindow) error {
	return r.store.save(ctx, KeyStats, statsRecord{Totals: totals, Global: global})
}
