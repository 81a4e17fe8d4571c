package usecases

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/repository"
)

// UserQuota holds the user records and enforces their daily send ceilings,
// independent of which account carries the mail.
type UserQuota struct {
	mu       sync.RWMutex
	users    map[string]*entities.User
	inFlight map[string]int

	tracker *QuotaTracker
	repo    *repository.UserRepository
	log     *zap.Logger
	now     func() time.Time
}

func NewUserQuota(ctx context.Context, repo *repository.UserRepository, tracker *QuotaTracker, log *zap.Logger, now func() time.Time) *UserQuota {
	if log == nil {
		log = zap.NewNop()
	}
	if tracker == nil {
		tracker = NewQuotaTracker(nil)
	}
	if now == nil {
		now = time.Now
	}
	q := &UserQuota{
		users:    make(map[string]*entities.User),
		inFlight: make(map[string]int),
		tracker:  tracker,
		repo:     repo,
		log:      log,
		now:      now,
	}
	if repo != nil {
		for _, u := range repo.Load(ctx) {
			u := u
			q.users[u.ID] = &u
		}
	}
	return q
}

// ResetIfStale applies the calendar-day reset to u.
func (q *UserQuota) ResetIfStale(u *entities.User, now time.Time) bool {
	return q.tracker.ResetUserIfStale(u, now)
}

// CanSend reports whether the stored record for u has daily headroom,
// counting reserved in-flight sends. Unknown users cannot send.
func (q *UserQuota) CanSend(u *entities.User) bool {
	if u == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.users[u.ID]
	if !ok {
		return false
	}
	if q.ResetIfStale(stored, q.now()) {
		q.persistLocked(context.Background())
	}
	if stored.CanExceedLimits() {
		return true
	}
	return stored.DailyUsage+q.inFlight[stored.ID] < stored.DailyLimit
}

// Reserve holds one unit of a user's daily quota for an in-flight send.
func (q *UserQuota) Reserve(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight[userID]++
}

// Release returns a reservation without counting a send.
func (q *UserQuota) Release(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(userID)
}

func (q *UserQuota) releaseLocked(userID string) {
	if q.inFlight[userID] > 0 {
		q.inFlight[userID]--
		if q.inFlight[userID] == 0 {
			delete(q.inFlight, userID)
		}
	}
}

// RecordSend releases a reservation if one is held and counts one send.
func (q *UserQuota) RecordSend(ctx context.Context, userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(userID)
	u, ok := q.users[userID]
	if !ok {
		return
	}
	q.ResetIfStale(u, q.now())
	u.DailyUsage++
	q.persistLocked(ctx)
}

// Create stores a new user. DailyLimit comes from the role unless HasCustomLimit is set.
func (q *UserQuota) Create(ctx context.Context, u entities.User) (entities.User, error) {
	verr := &entities.ValidationError{}
	if u.ID == "" {
		verr.Add("id", "required")
	}
	if strings.TrimSpace(u.Username) == "" {
		verr.Add("username", "required")
	}
	cfg, ok := u.Role.Config()
	if !ok {
		verr.Add("role", "unknown role")
	}
	if u.HasCustomLimit && u.DailyLimit < 0 {
		verr.Add("daily_limit", "must be >= 0")
	}
	if err := verr.OrNil(); err != nil {
		return entities.User{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.users {
		if existing.ID == u.ID || strings.EqualFold(existing.Username, u.Username) {
			return entities.User{}, entities.ErrUserExists
		}
	}
	now := q.now()
	if !u.HasCustomLimit {
		u.DailyLimit = cfg.DailyLimit
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.LastResetDate = q.tracker.DateOf(now)
	stored := u
	q.users[u.ID] = &stored
	q.persistLocked(ctx)
	return u, nil
}

func (q *UserQuota) Get(id string) (entities.User, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	u, ok := q.users[id]
	if !ok {
		return entities.User{}, false
	}
	q.ResetIfStale(u, q.now())
	return *u, true
}

func (q *UserQuota) GetByUsername(username string) (entities.User, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range q.users {
		if strings.EqualFold(u.Username, username) {
			q.ResetIfStale(u, q.now())
			return *u, true
		}
	}
	return entities.User{}, false
}

// List returns users ordered by creation time.
func (q *UserQuota) List() []entities.User {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	out := make([]entities.User, 0, len(q.users))
	for _, u := range q.users {
		q.ResetIfStale(u, now)
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Username < out[j].Username
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (q *UserQuota) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.users)
}

// SetRole changes the role; the role default limit applies unless a custom limit is set.
func (q *UserQuota) SetRole(ctx context.Context, id string, role entities.Role) error {
	cfg, ok := role.Config()
	if !ok {
		return &entities.ValidationError{Fields: map[string]string{"role": "unknown role"}}
	}
	return q.update(ctx, id, func(u *entities.User) {
		u.Role = role
		if !u.HasCustomLimit {
			u.DailyLimit = cfg.DailyLimit
		}
	})
}

// SetDailyLimit sets a custom limit; a negative value restores the role default.
func (q *UserQuota) SetDailyLimit(ctx context.Context, id string, limit int) error {
	return q.update(ctx, id, func(u *entities.User) {
		if limit < 0 {
			cfg, _ := u.Role.Config()
			u.DailyLimit = cfg.DailyLimit
			u.HasCustomLimit = false
			return
		}
		u.DailyLimit = limit
		u.HasCustomLimit = true
	})
}

func (q *UserQuota) SetActive(ctx context.Context, id string, active bool) error {
	return q.update(ctx, id, func(u *entities.User) { u.IsActive = active })
}

// Delete removes a user. Sends already in flight for them settle normally.
func (q *UserQuota) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.users[id]; !ok {
		return entities.ErrNotFound
	}
	delete(q.users, id)
	q.persistLocked(ctx)
	q.log.Info("user removed", zap.String("user_id", id))
	return nil
}

func (q *UserQuota) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return q.update(ctx, id, func(u *entities.User) { u.LastLogin = &at })
}

func (q *UserQuota) update(ctx context.Context, id string, fn func(*entities.User)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	u, ok := q.users[id]
	if !ok {
		return entities.ErrNotFound
	}
	fn(u)
	q.persistLocked(ctx)
	return nil
}

func (q *UserQuota) persistLocked(ctx context.Context) {
	if q.repo == nil {
		return
	}
	users := make([]entities.User, 0, len(q.users))
	for _, u := range q.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	if err := q.repo.Save(ctx, users); err != nil {
		q.log.Warn("persist users failed", zap.Error(err))
	}
}
