package usecases

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
	"bulkmailer/internal/repository"
)

// SafetyGate is the single allow/deny checkpoint before any send.
type SafetyGate struct {
	mu   sync.RWMutex
	lock entities.LockState

	pool    *AccountPool
	quota   *UserQuota
	tracker *QuotaTracker
	repo    *repository.LockRepository
	alerter interfaces.Alerter
	log     *zap.Logger
	now     func() time.Time
}

type GateOption func(*SafetyGate)

func WithAlerter(a interfaces.Alerter) GateOption {
	return func(g *SafetyGate) { g.alerter = a }
}

func WithGateClock(now func() time.Time) GateOption {
	return func(g *SafetyGate) { g.now = now }
}

func NewSafetyGate(ctx context.Context, pool *AccountPool, quota *UserQuota, tracker *QuotaTracker, repo *repository.LockRepository, log *zap.Logger, opts ...GateOption) *SafetyGate {
	if log == nil {
		log = zap.NewNop()
	}
	if tracker == nil {
		tracker = NewQuotaTracker(nil)
	}
	g := &SafetyGate{
		pool:    pool,
		quota:   quota,
		tracker: tracker,
		repo:    repo,
		log:     log,
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if repo != nil {
		g.lock = repo.Load(ctx)
	}
	return g
}

// Evaluate checks lock, permission, user quota and account availability in
// that order. Only the account rotation cursor moves; no counter changes.
func (g *SafetyGate) Evaluate(user *entities.User) entities.SafetyDecision {
	if g.Locked() {
		return entities.Deny(entities.ReasonSystemLocked)
	}
	if !user.HasPermission(entities.PermSendEmails) {
		return entities.Deny(entities.ReasonInsufficientPermission)
	}
	if !g.quota.CanSend(user) {
		return entities.Deny(entities.ReasonUserLimitExceeded)
	}
	account, ok := g.pool.SelectNext()
	if !ok {
		return entities.Deny(entities.ReasonNoAccountAvailable)
	}
	return entities.Allow(account)
}

func (g *SafetyGate) Locked() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lock.Locked
}

func (g *SafetyGate) State() entities.LockState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lock
}

// LockSystem blocks all sending until UnlockSystem.
func (g *SafetyGate) LockSystem(ctx context.Context, reason string) {
	g.setLock(ctx, entities.LockManual, reason)
}

// LockForLimits sets a limit-induced lock, which the midnight pass clears.
// An existing manual lock is kept as is.
func (g *SafetyGate) LockForLimits(ctx context.Context, reason string) {
	g.mu.RLock()
	manual := g.lock.Locked && g.lock.Kind == entities.LockManual
	g.mu.RUnlock()
	if manual {
		return
	}
	g.setLock(ctx, entities.LockLimit, reason)
}

func (g *SafetyGate) setLock(ctx context.Context, kind entities.LockKind, reason string) {
	g.mu.Lock()
	g.lock = entities.LockState{Locked: true, Kind: kind, Reason: reason, LockedAt: g.now()}
	st := g.lock
	g.persistLocked(ctx)
	g.mu.Unlock()

	g.log.Warn("system locked", zap.String("kind", string(kind)), zap.String("reason", reason))
	g.alert(ctx, fmt.Sprintf("Sending locked (%s): %s", kind, st.Reason))
}

func (g *SafetyGate) UnlockSystem(ctx context.Context) {
	g.mu.Lock()
	was := g.lock.Locked
	g.lock = entities.LockState{}
	g.persistLocked(ctx)
	g.mu.Unlock()

	if was {
		g.log.Info("system unlocked")
		g.alert(ctx, "Sending unlocked")
	}
}

// AutoUnlock clears a limit lock taken before today. Manual locks stay.
func (g *SafetyGate) AutoUnlock(ctx context.Context) bool {
	g.mu.RLock()
	st := g.lock
	g.mu.RUnlock()
	if !st.Locked || st.Kind != entities.LockLimit {
		return false
	}
	if g.tracker.DateOf(st.LockedAt) == g.tracker.DateOf(g.now()) {
		return false
	}
	g.log.Info("midnight auto-unlock of limit lock", zap.String("reason", st.Reason))
	g.UnlockSystem(ctx)
	return true
}

// RunAutoUnlock checks for a stale limit lock every interval until ctx is done.
func (g *SafetyGate) RunAutoUnlock(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.AutoUnlock(ctx)
		}
	}
}

func (g *SafetyGate) persistLocked(ctx context.Context) {
	if g.repo == nil {
		return
	}
	if err := g.repo.Save(ctx, g.lock); err != nil {
		g.log.Warn("persist lock failed", zap.Error(err))
	}
}

func (g *SafetyGate) alert(ctx context.Context, text string) {
	if g.alerter == nil {
		return
	}
	if err := g.alerter.Alert(ctx, text); err != nil {
		g.log.Warn("lock alert failed", zap.Error(err))
	}
}
