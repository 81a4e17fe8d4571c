package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
)

const (
	defaultRetention  = 30 * 24 * time.Hour
	defaultMaxEntries = 20000
)

// UsageRepository keeps the send log used for timeframe analytics.
type UsageRepository struct {
	store      jsonStore
	mu         sync.RWMutex
	entries    []entities.SendLogEntry
	retention  time.Duration
	maxEntries int
}

type DailyUsage struct {
	Date   string `json:"date"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
}

func NewUsageRepository(ctx context.Context, storage interfaces.Storage, log *zap.Logger) *UsageRepository {
	r := &UsageRepository{
		store:      newJSONStore(storage, log),
		retention:  defaultRetention,
		maxEntries: defaultMaxEntries,
	}
	var entries []entities.SendLogEntry
	if r.store.load(ctx, KeySendLog, &entries) {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
		r.entries = entries
	}
	return r
}

// Append records terminal outcomes and prunes entries past retention. Entries
// are kept ordered by At whatever order concurrent senders arrive in.
func (r *UsageRepository) Append(ctx context.Context, now time.Time, entries ...entities.SendLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.insertLocked(e)
	}
	r.pruneLocked(now)
	return r.store.save(ctx, KeySendLog, r.entries)
}

func (r *UsageRepository) insertLocked(e entities.SendLogEntry) {
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].At.After(e.At) })
	r.entries = append(r.entries, entities.SendLogEntry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

func (r *UsageRepository) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.retention)
	i := 0
	for i < len(r.entries) && r.entries[i].At.Before(cutoff) {
		i++
	}
	if over := len(r.entries) - i - r.maxEntries; over > 0 {
		i += over
	}
	if i > 0 {
		r.entries = append([]entities.SendLogEntry(nil), r.entries[i:]...)
	}
}

// Since returns entries at or after t.
func (r *UsageRepository) Since(t time.Time) []entities.SendLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := sort.Search(len(r.entries), func(i int) bool { return !r.entries[i].At.Before(t) })
	out := make([]entities.SendLogEntry, len(r.entries)-idx)
	copy(out, r.entries[idx:])
	return out
}

// GetUsageHistory returns per-day counts for the last days days, oldest first.
func (r *UsageRepository) GetUsageHistory(now time.Time, days int, loc *time.Location) []DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -(days - 1))

	byDate := make(map[string]*DailyUsage, days)
	out := make([]DailyUsage, days)
	for i := 0; i < days; i++ {
		out[i].Date = start.AddDate(0, 0, i).Format("2006-01-02")
		byDate[out[i].Date] = &out[i]
	}
	for _, e := range r.Since(start) {
		d, ok := byDate[e.At.In(loc).Format("2006-01-02")]
		if !ok {
			continue
		}
		switch e.Status {
		case entities.ItemSent:
			d.Sent++
		case entities.ItemFailed:
			d.Failed++
		}
	}
	return out
}
