package usecases

import (
	"context"
	"sync"
	"testing"
	"time"

	"bulkmailer/internal/entities"
)

var testNow = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLimits(daily, hourly, buffer int) *entities.AccountProfile {
	return &entities.AccountProfile{
		DailyLimit:        daily,
		HourlyLimit:       hourly,
		BufferReserve:     buffer,
		WarningThreshold:  0.8,
		CriticalThreshold: 0.9,
	}
}

// addAccount registers a connected custom account with the given limits.
func addAccount(t *testing.T, p *AccountPool, email string, limits *entities.AccountProfile, usage *entities.UsageWindow) entities.Account {
	t.Helper()
	a, err := NewAccountFromProfile(email, "", entities.AccountCustom, limits)
	if err != nil {
		t.Fatalf("NewAccountFromProfile(%s): %v", email, err)
	}
	a.ConnectionStatus = entities.Connected
	if usage != nil {
		a.UsageWindow = *usage
	}
	a, err = p.Add(context.Background(), a)
	if err != nil {
		t.Fatalf("Add(%s): %v", email, err)
	}
	return a
}

// addUser creates an active user. A negative limit keeps the role default.
func addUser(t *testing.T, q *UserQuota, id string, role entities.Role, limit int) entities.User {
	t.Helper()
	u, err := q.Create(context.Background(), entities.User{
		ID:             id,
		Username:       id,
		Role:           role,
		IsActive:       true,
		DailyLimit:     limit,
		HasCustomLimit: limit >= 0,
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
	return u
}
