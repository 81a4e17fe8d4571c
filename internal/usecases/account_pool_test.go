package usecases

import (
	"context"
	"errors"
	"testing"
	"time"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/infrastructure"
	"bulkmailer/internal/repository"
)

func newTestPool(clock *testClock, opts ...PoolOption) *AccountPool {
	opts = append([]PoolOption{WithPoolClock(clock.Now)}, opts...)
	return NewAccountPool(context.Background(), nil, NewQuotaTracker(time.UTC), nil, opts...)
}

func TestSelectNextDoesNotChangeUsage(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock)
	a := addAccount(t, p, "a@example.com", testLimits(10, 10, 0), nil)

	for i := 0; i < 5; i++ {
		if _, ok := p.SelectNext(); !ok {
			t.Fatalf("SelectNext #%d returned no account", i)
		}
	}
	got, _ := p.Get(a.ID)
	if got.DailyUsage != 0 || got.HourlyUsage != 0 {
		t.Fatalf("usage changed by selection: %d/%d", got.DailyUsage, got.HourlyUsage)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock)
	ids := map[string]bool{}
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		ids[addAccount(t, p, email, testLimits(10, 10, 0), nil).ID] = false
	}

	ctx := context.Background()
	for i := 0; i < len(ids); i++ {
		a, ok := p.SelectNext()
		if !ok {
			t.Fatalf("cycle %d: no account", i)
		}
		if ids[a.ID] {
			t.Fatalf("cycle %d: account %s selected twice", i, a.Email)
		}
		ids[a.ID] = true
		p.Reserve(a.ID)
		p.RecordAccountOutcome(ctx, a.ID, true)
	}
	for _, a := range p.List() {
		if a.DailyUsage != 1 {
			t.Fatalf("%s daily usage = %d, want 1", a.Email, a.DailyUsage)
		}
	}
}

func TestSelectNextSkipsExhaustedAccount(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock)
	tr := NewQuotaTracker(time.UTC)
	usage := entities.UsageWindow{DailyUsage: 5}
	tr.Stamp(&usage, testNow)
	addAccount(t, p, "full@example.com", testLimits(5, 10, 0), &usage)

	if a, ok := p.SelectNext(); ok {
		t.Fatalf("SelectNext returned %s for an exhausted pool", a.Email)
	}
	if n := p.AvailableCount(); n != 0 {
		t.Fatalf("AvailableCount = %d, want 0", n)
	}

	// A new day restores capacity.
	clock.Advance(24 * time.Hour)
	if _, ok := p.SelectNext(); !ok {
		t.Fatal("account not eligible after daily reset")
	}
}

func TestBufferReserveIsNeverUsed(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock)
	tr := NewQuotaTracker(time.UTC)

	atBuffer := entities.UsageWindow{DailyUsage: 7}
	tr.Stamp(&atBuffer, testNow)
	addAccount(t, p, "buffer@example.com", testLimits(10, 100, 3), &atBuffer)
	if _, ok := p.SelectNext(); ok {
		t.Fatal("account at safe limit was selected")
	}

	below := entities.UsageWindow{DailyUsage: 6}
	tr.Stamp(&below, testNow)
	b := addAccount(t, p, "below@example.com", testLimits(10, 100, 3), &below)
	got, ok := p.SelectNext()
	if !ok || got.ID != b.ID {
		t.Fatalf("SelectNext = %v/%v, want %s", got.Email, ok, b.Email)
	}
}

func TestHourlyLimitBlocksSelection(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock)
	a := addAccount(t, p, "hourly@example.com", testLimits(100, 2, 0), nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		p.Reserve(a.ID)
		p.RecordAccountOutcome(ctx, a.ID, true)
	}
	if _, ok := p.SelectNext(); ok {
		t.Fatal("account selected past its hourly limit")
	}
	clock.Advance(time.Hour)
	if _, ok := p.SelectNext(); !ok {
		t.Fatal("account not eligible in the next hour")
	}
}

func TestReservationsCountTowardLimits(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock)
	a := addAccount(t, p, "a@example.com", testLimits(2, 10, 0), nil)

	for i := 0; i < 2; i++ {
		got, ok := p.SelectNext()
		if !ok {
			t.Fatalf("select %d failed", i)
		}
		p.Reserve(got.ID)
	}
	if _, ok := p.SelectNext(); ok {
		t.Fatal("selected an account whose capacity is fully reserved")
	}
	if n := p.InFlight(a.ID); n != 2 {
		t.Fatalf("InFlight = %d, want 2", n)
	}

	p.RecordAccountOutcome(context.Background(), a.ID, false)
	if _, ok := p.SelectNext(); !ok {
		t.Fatal("failed send did not release its reservation")
	}
	got, _ := p.Get(a.ID)
	if got.DailyUsage != 0 {
		t.Fatalf("failed send consumed quota: %d", got.DailyUsage)
	}
}

func TestSelectNextSkipsInactiveAndDisconnected(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock)
	ctx := context.Background()
	a := addAccount(t, p, "a@example.com", testLimits(10, 10, 0), nil)
	b := addAccount(t, p, "b@example.com", testLimits(10, 10, 0), nil)
	c := addAccount(t, p, "c@example.com", testLimits(10, 10, 0), nil)

	if err := p.SetActive(ctx, a.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := p.SetConnection(ctx, b.ID, entities.Disconnected); err != nil {
		t.Fatalf("SetConnection: %v", err)
	}
	for i := 0; i < 3; i++ {
		got, ok := p.SelectNext()
		if !ok || got.ID != c.ID {
			t.Fatalf("select %d = %s/%v, want %s", i, got.Email, ok, c.Email)
		}
	}
}

func TestRemoveAccountWithSendInFlight(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock)
	ctx := context.Background()
	a := addAccount(t, p, "a@example.com", testLimits(10, 10, 0), nil)
	b := addAccount(t, p, "b@example.com", testLimits(10, 10, 0), nil)

	got, _ := p.SelectNext()
	p.Reserve(got.ID)
	if err := p.Remove(ctx, a.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	p.RecordAccountOutcome(ctx, a.ID, true)

	if n := len(p.List()); n != 1 {
		t.Fatalf("pool size = %d, want 1", n)
	}
	next, ok := p.SelectNext()
	if !ok || next.ID != b.ID {
		t.Fatalf("SelectNext = %s/%v, want %s", next.Email, ok, b.Email)
	}
	if err := p.Remove(ctx, a.ID); !errors.Is(err, entities.ErrNotFound) {
		t.Fatalf("second Remove err = %v, want ErrNotFound", err)
	}
}

func TestConsecutiveFailureCooloff(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock, WithFailureCooloff(2, time.Minute))
	ctx := context.Background()
	a := addAccount(t, p, "flaky@example.com", testLimits(10, 10, 0), nil)

	p.RecordAccountOutcome(ctx, a.ID, false)
	if _, ok := p.SelectNext(); !ok {
		t.Fatal("one failure should not cool off the account")
	}
	p.RecordAccountOutcome(ctx, a.ID, false)
	if _, ok := p.SelectNext(); ok {
		t.Fatal("account still selected during cool-off")
	}
	clock.Advance(61 * time.Second)
	if _, ok := p.SelectNext(); !ok {
		t.Fatal("account not selected after cool-off")
	}
}

func TestAddRejectsDuplicatesAndBadLimits(t *testing.T) {
	clock := newTestClock(testNow)
	p := newTestPool(clock)
	ctx := context.Background()
	addAccount(t, p, "a@example.com", testLimits(10, 10, 0), nil)

	dup, _ := NewAccountFromProfile("A@example.com", "", entities.AccountPersonal, nil)
	if _, err := p.Add(ctx, dup); !errors.Is(err, entities.ErrAccountExists) {
		t.Fatalf("duplicate Add err = %v, want ErrAccountExists", err)
	}

	bad, _ := NewAccountFromProfile("b@example.com", "", entities.AccountCustom, testLimits(10, 10, 20))
	if _, err := p.Add(ctx, bad); !errors.Is(err, entities.ErrValidation) {
		t.Fatalf("bad limits Add err = %v, want ErrValidation", err)
	}

	if _, err := NewAccountFromProfile("c@example.com", "", entities.AccountType("premium"), nil); !errors.Is(err, entities.ErrValidation) {
		t.Fatalf("unknown type err = %v, want ErrValidation", err)
	}
}

func TestNewAccountFromProfileUsesTypeDefaults(t *testing.T) {
	a, err := NewAccountFromProfile(" Sender@Example.com ", "Sender", entities.AccountWorkspace, testLimits(1, 1, 0))
	if err != nil {
		t.Fatalf("NewAccountFromProfile: %v", err)
	}
	if a.Email != "sender@example.com" {
		t.Fatalf("email = %q", a.Email)
	}
	// Overrides only apply to custom accounts.
	if a.DailyLimit != 1600 || a.BufferReserve != 200 || a.HourlyLimit != 200 {
		t.Fatalf("workspace limits = %+v", a.Limits())
	}
	if !a.IsActive || a.ConnectionStatus != entities.Disconnected {
		t.Fatalf("new account state = %v/%s", a.IsActive, a.ConnectionStatus)
	}
}

func TestAccountPoolPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(testNow)
	repo := repository.NewAccountRepository(infrastructure.NewMemoryStore(), nil)
	p := NewAccountPool(ctx, repo, NewQuotaTracker(time.UTC), nil, WithPoolClock(clock.Now))
	a := addAccount(t, p, "a@example.com", testLimits(10, 10, 0), nil)
	addAccount(t, p, "b@example.com", testLimits(10, 10, 0), nil)

	got, _ := p.SelectNext()
	p.Reserve(got.ID)
	p.RecordAccountOutcome(ctx, got.ID, true)

	restored := NewAccountPool(ctx, repo, NewQuotaTracker(time.UTC), nil, WithPoolClock(clock.Now))
	if n := len(restored.List()); n != 2 {
		t.Fatalf("restored %d accounts, want 2", n)
	}
	ra, _ := restored.Get(a.ID)
	if ra.DailyUsage != 1 {
		t.Fatalf("restored usage = %d, want 1", ra.DailyUsage)
	}
	next, _ := restored.SelectNext()
	if next.ID == a.ID {
		t.Fatal("rotation cursor was not restored")
	}
}
