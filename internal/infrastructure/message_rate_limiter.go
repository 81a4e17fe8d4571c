package infrastructure

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
)

// AccountThrottle paces sends per account with a token bucket refilled at
// the account's hourly limit.
type AccountThrottle struct {
	mu       sync.Mutex
	limiters map[string]*accountLimiter
	burst    int
}

type accountLimiter struct {
	lim      *rate.Limiter
	hourly   int
	lastUsed time.Time
}

// NewAccountThrottle creates a throttle allowing burst immediate sends per account
func NewAccountThrottle(burst int) *AccountThrottle {
	if burst < 1 {
		burst = 1
	}
	return &AccountThrottle{
		limiters: make(map[string]*accountLimiter),
		burst:    burst,
	}
}

func (t *AccountThrottle) limiter(account entities.Account) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[account.ID]
	if !ok || l.hourly != account.HourlyLimit {
		l = &accountLimiter{
			lim:    rate.NewLimiter(rate.Limit(float64(account.HourlyLimit)/3600), t.burst),
			hourly: account.HourlyLimit,
		}
		t.limiters[account.ID] = l
	}
	l.lastUsed = time.Now()
	return l.lim
}

// Take consumes a token when one is available now and otherwise returns how
// long until the next one, leaving the bucket untouched. Accounts without an
// hourly limit are not paced.
func (t *AccountThrottle) Take(account entities.Account) time.Duration {
	if account.HourlyLimit <= 0 {
		return 0
	}
	r := t.limiter(account).Reserve()
	if !r.OK() {
		return time.Hour
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
	}
	return delay
}

// Reset drops pacing state for an account (after removal or limit change)
func (t *AccountThrottle) Reset(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, accountID)
}

// Cleanup removes limiters idle for longer than idle and returns how many went.
func (t *AccountThrottle) Cleanup(idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, l := range t.limiters {
		if now.Sub(l.lastUsed) > idle {
			delete(t.limiters, id)
			removed++
		}
	}
	return removed
}

// Run cleans idle limiters until ctx is done.
func (t *AccountThrottle) Run(ctx context.Context, every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Cleanup(idle)
		}
	}
}

// GetStats returns throttle statistics
func (t *AccountThrottle) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"active_accounts": len(t.limiters),
		"burst":           t.burst,
	}
}

// ThrottledTransport paces sends per account. A send without budget fails
// fast with *entities.ThrottledError instead of holding up its chunk.
type ThrottledTransport struct {
	next     interfaces.Transport
	throttle *AccountThrottle
}

func NewThrottledTransport(next interfaces.Transport, throttle *AccountThrottle) *ThrottledTransport {
	return &ThrottledTransport{next: next, throttle: throttle}
}

func (t *ThrottledTransport) Send(ctx context.Context, account entities.Account, msg entities.Email) (string, error) {
	if wait := t.throttle.Take(account); wait > 0 {
		return "", &entities.ThrottledError{AccountID: account.ID, RetryAfter: wait}
	}
	return t.next.Send(ctx, account, msg)
}
