package usecases

import (
	"context"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/repository"
)

const (
	defaultFailureThreshold = 3
	defaultFailureCooloff   = 5 * time.Minute
)

// AccountPool owns the sending accounts and rotates through them.
type AccountPool struct {
	mu       sync.RWMutex
	accounts []*entities.Account
	cursor   int
	inFlight map[string]int
	failures map[string]*failureState

	tracker *QuotaTracker
	repo    *repository.AccountRepository
	log     *zap.Logger
	now     func() time.Time

	failureThreshold int
	failureCooloff   time.Duration
}

type failureState struct {
	consecutive int
	until       time.Time
}

type PoolOption func(*AccountPool)

func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *AccountPool) { p.now = now }
}

// WithFailureCooloff skips an account for cooloff after threshold consecutive failures.
func WithFailureCooloff(threshold int, cooloff time.Duration) PoolOption {
	return func(p *AccountPool) {
		p.failureThreshold = threshold
		p.failureCooloff = cooloff
	}
}

// NewAccountPool restores accounts from repo. A nil repo keeps the pool in memory.
func NewAccountPool(ctx context.Context, repo *repository.AccountRepository, tracker *QuotaTracker, log *zap.Logger, opts ...PoolOption) *AccountPool {
	if log == nil {
		log = zap.NewNop()
	}
	if tracker == nil {
		tracker = NewQuotaTracker(nil)
	}
	p := &AccountPool{
		inFlight:         make(map[string]int),
		failures:         make(map[string]*failureState),
		tracker:          tracker,
		repo:             repo,
		log:              log,
		now:              time.Now,
		failureThreshold: defaultFailureThreshold,
		failureCooloff:   defaultFailureCooloff,
	}
	for _, o := range opts {
		o(p)
	}
	if repo != nil {
		snap := repo.Load(ctx)
		for i := range snap.Accounts {
			a := snap.Accounts[i]
			p.accounts = append(p.accounts, &a)
		}
		p.cursor = snap.Cursor
	}
	return p
}

// NewAccountFromProfile fills limits from the account type profile. Custom
// accounts may pass override limits; other types ignore it.
func NewAccountFromProfile(email, name string, t entities.AccountType, override *entities.AccountProfile) (entities.Account, error) {
	profile, ok := t.Profile()
	if !ok {
		return entities.Account{}, &entities.ValidationError{Fields: map[string]string{"account_type": "unknown account type"}}
	}
	if t == entities.AccountCustom && override != nil {
		profile = *override
	}
	return entities.Account{
		ID:                uuid.NewString(),
		Email:             strings.ToLower(strings.TrimSpace(email)),
		Name:              strings.TrimSpace(name),
		Type:              t,
		DailyLimit:        profile.DailyLimit,
		HourlyLimit:       profile.HourlyLimit,
		BufferReserve:     profile.BufferReserve,
		WarningThreshold:  profile.WarningThreshold,
		CriticalThreshold: profile.CriticalThreshold,
		IsActive:          true,
		ConnectionStatus:  entities.Disconnected,
	}, nil
}

func validateAccount(a entities.Account) error {
	verr := &entities.ValidationError{}
	if a.ID == "" {
		verr.Add("id", "required")
	}
	if _, err := mail.ParseAddress(a.Email); err != nil {
		verr.Add("email", "invalid email address")
	}
	if !a.Type.Valid() {
		verr.Add("account_type", "unknown account type")
	}
	if err := a.Limits().Validate(); err != nil {
		if le, ok := err.(*entities.ValidationError); ok {
			for k, v := range le.Fields {
				verr.Add(k, v)
			}
		}
	}
	return verr.OrNil()
}

// Add registers an account at the end of the rotation.
func (p *AccountPool) Add(ctx context.Context, a entities.Account) (entities.Account, error) {
	if err := validateAccount(a); err != nil {
		return entities.Account{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.accounts {
		if existing.ID == a.ID || existing.Email == a.Email {
			return entities.Account{}, entities.ErrAccountExists
		}
	}
	now := p.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastResetDate == "" {
		p.tracker.Stamp(&a.UsageWindow, now)
	}
	stored := a
	p.accounts = append(p.accounts, &stored)
	p.persistLocked(ctx)
	p.log.Info("account added", zap.String("account_id", a.ID), zap.String("email", a.Email), zap.String("type", string(a.Type)))
	return a, nil
}

// Remove drops an account from rotation. Sends already holding it finish normally.
func (p *AccountPool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.indexLocked(id)
	if idx < 0 {
		return entities.ErrNotFound
	}
	p.accounts = append(p.accounts[:idx], p.accounts[idx+1:]...)
	if idx < p.cursor {
		p.cursor--
	}
	if p.cursor >= len(p.accounts) {
		p.cursor = 0
	}
	delete(p.failures, id)
	p.persistLocked(ctx)
	p.log.Info("account removed", zap.String("account_id", id))
	return nil
}

func (p *AccountPool) SetActive(ctx context.Context, id string, active bool) error {
	return p.update(ctx, id, func(a *entities.Account) error {
		a.IsActive = active
		return nil
	})
}

func (p *AccountPool) SetConnection(ctx context.Context, id string, status entities.ConnectionStatus) error {
	if status != entities.Connected && status != entities.Disconnected {
		return &entities.ValidationError{Fields: map[string]string{"connection_status": "must be connected or disconnected"}}
	}
	return p.update(ctx, id, func(a *entities.Account) error {
		a.ConnectionStatus = status
		return nil
	})
}

// UpdateLimits replaces the limit record after validating it.
func (p *AccountPool) UpdateLimits(ctx context.Context, id string, limits entities.AccountProfile) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	return p.update(ctx, id, func(a *entities.Account) error {
		a.DailyLimit = limits.DailyLimit
		a.HourlyLimit = limits.HourlyLimit
		a.BufferReserve = limits.BufferReserve
		a.WarningThreshold = limits.WarningThreshold
		a.CriticalThreshold = limits.CriticalThreshold
		return nil
	})
}

func (p *AccountPool) update(ctx context.Context, id string, fn func(*entities.Account) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.indexLocked(id)
	if idx < 0 {
		return entities.ErrNotFound
	}
	if err := fn(p.accounts[idx]); err != nil {
		return err
	}
	p.persistLocked(ctx)
	return nil
}

// Get returns a fresh copy of one account.
func (p *AccountPool) Get(id string) (entities.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.indexLocked(id)
	if idx < 0 {
		return entities.Account{}, false
	}
	a := p.accounts[idx]
	if p.tracker.ResetIfStale(&a.UsageWindow, p.now()) {
		p.persistLocked(context.Background())
	}
	return *a, true
}

// List returns copies of all accounts in rotation order with counters reset.
func (p *AccountPool) List() []entities.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	changed := false
	out := make([]entities.Account, len(p.accounts))
	for i, a := range p.accounts {
		if p.tracker.ResetIfStale(&a.UsageWindow, now) {
			changed = true
		}
		out[i] = *a
	}
	if changed {
		p.persistLocked(context.Background())
	}
	return out
}

// SelectNext scans at most one full lap from the cursor and returns the first
// eligible account, moving the cursor past it. It never changes usage.
func (p *AccountPool) SelectNext() (entities.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.accounts)
	if n == 0 {
		return entities.Account{}, false
	}
	now := p.now()
	if p.cursor >= n || p.cursor < 0 {
		p.cursor = 0
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		a := p.accounts[idx]
		p.tracker.ResetIfStale(&a.UsageWindow, now)
		if p.eligibleLocked(a, now) {
			p.cursor = (idx + 1) % n
			p.persistLocked(context.Background())
			return *a, true
		}
	}
	p.persistLocked(context.Background())
	return entities.Account{}, false
}

// eligibleLocked counts reserved in-flight sends as used so concurrent sends
// cannot overshoot the safe limit.
func (p *AccountPool) eligibleLocked(a *entities.Account, now time.Time) bool {
	if !a.IsActive || a.ConnectionStatus != entities.Connected {
		return false
	}
	if f, ok := p.failures[a.ID]; ok && now.Before(f.until) {
		return false
	}
	pending := p.inFlight[a.ID]
	return a.DailyUsage+pending < a.SafeLimit() && a.HourlyUsage+pending < a.HourlyLimit
}

// Reserve holds one unit of capacity on an account until its outcome is recorded.
func (p *AccountPool) Reserve(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[id]++
}

// RecordAccountOutcome releases the reservation and counts a successful send.
// Failures consume no quota but feed the consecutive failure cool-off.
func (p *AccountPool) RecordAccountOutcome(ctx context.Context, id string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(id)
	idx := p.indexLocked(id)
	if idx < 0 {
		return
	}
	a := p.accounts[idx]
	now := p.now()
	if !success {
		f, ok := p.failures[id]
		if !ok {
			f = &failureState{}
			p.failures[id] = f
		}
		f.consecutive++
		if p.failureThreshold > 0 && f.consecutive >= p.failureThreshold {
			f.until = now.Add(p.failureCooloff)
			f.consecutive = 0
			p.log.Warn("account deprioritized after consecutive failures",
				zap.String("account_id", id), zap.Duration("cooloff", p.failureCooloff))
		}
		return
	}
	delete(p.failures, id)
	p.tracker.ResetIfStale(&a.UsageWindow, now)
	p.tracker.RecordSend(&a.UsageWindow)
	p.persistLocked(ctx)
}

// Release drops a reservation whose send never reached the provider.
func (p *AccountPool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(id)
}

func (p *AccountPool) releaseLocked(id string) {
	if p.inFlight[id] > 0 {
		p.inFlight[id]--
		if p.inFlight[id] == 0 {
			delete(p.inFlight, id)
		}
	}
}

// AvailableCount is how many accounts could take a send right now.
func (p *AccountPool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	count := 0
	for _, a := range p.accounts {
		p.tracker.ResetIfStale(&a.UsageWindow, now)
		if p.eligibleLocked(a, now) {
			count++
		}
	}
	return count
}

func (p *AccountPool) InFlight(id string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inFlight[id]
}

func (p *AccountPool) indexLocked(id string) int {
	for i, a := range p.accounts {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (p *AccountPool) persistLocked(ctx context.Context) {
	if p.repo == nil {
		return
	}
	snap := repository.AccountSnapshot{
		Accounts: make([]entities.Account, len(p.accounts)),
		Cursor:   p.cursor,
	}
	for i, a := range p.accounts {
		snap.Accounts[i] = *a
	}
	if err := p.repo.Save(ctx, snap); err != nil {
		p.log.Warn("persist accounts failed", zap.Error(err))
	}
}
