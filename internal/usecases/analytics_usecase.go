package usecases

import (
	"time"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/repository"
)

type AnalyticsUsecase struct {
	pool  *AccountPool
	gate  *SafetyGate
	usage *repository.UsageRepository
	loc   *time.Location
	now   func() time.Time
}

func NewAnalyticsUsecase(pool *AccountPool, gate *SafetyGate, usage *repository.UsageRepository, loc *time.Location) *AnalyticsUsecase {
	if loc == nil {
		loc = time.Local
	}
	return &AnalyticsUsecase{pool: pool, gate: gate, usage: usage, loc: loc, now: time.Now}
}

type AccountStatus struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	Type         entities.AccountType   `json:"account_type"`
	Health       entities.AccountHealth `json:"health"`
	DailyUsage   int                    `json:"daily_usage"`
	DailyLimit   int                    `json:"daily_limit"`
	HourlyUsage  int                    `json:"hourly_usage"`
	HourlyLimit  int                    `json:"hourly_limit"`
	Remaining    int                    `json:"remaining"`
	UsagePercent float64                `json:"usage_percent"`
}

type Overview struct {
	TotalAccounts      int             `json:"total_accounts"`
	ActiveAccounts     int             `json:"active_accounts"`
	AvailableAccounts  int             `json:"available_accounts"`
	TotalDailyUsage    int             `json:"total_daily_usage"`
	TotalDailyCapacity int             `json:"total_daily_capacity"`
	RemainingCapacity  int             `json:"remaining_capacity"`
	UsagePercent       float64         `json:"usage_percent"`
	AveragePerAccount  float64         `json:"average_per_account"`
	Accounts           []AccountStatus `json:"accounts"`
}

// Overview sums capacity over active accounts; remaining capacity honors buffers.
func (u *AnalyticsUsecase) Overview() Overview {
	accounts := u.pool.List()
	o := Overview{TotalAccounts: len(accounts), Accounts: make([]AccountStatus, 0, len(accounts))}
	for _, a := range accounts {
		remaining := a.SafeLimit() - a.DailyUsage
		if remaining < 0 {
			remaining = 0
		}
		o.Accounts = append(o.Accounts, AccountStatus{
			ID:           a.ID,
			Email:        a.Email,
			Type:         a.Type,
			Health:       a.Health(),
			DailyUsage:   a.DailyUsage,
			DailyLimit:   a.DailyLimit,
			HourlyUsage:  a.HourlyUsage,
			HourlyLimit:  a.HourlyLimit,
			Remaining:    remaining,
			UsagePercent: a.UsageRatio() * 100,
		})
		if !a.IsActive {
			continue
		}
		o.ActiveAccounts++
		o.TotalDailyUsage += a.DailyUsage
		o.TotalDailyCapacity += a.DailyLimit
		o.RemainingCapacity += remaining
	}
	o.AvailableAccounts = u.pool.AvailableCount()
	if o.TotalDailyCapacity > 0 {
		o.UsagePercent = float64(o.TotalDailyUsage) * 100 / float64(o.TotalDailyCapacity)
	}
	if o.ActiveAccounts > 0 {
		o.AveragePerAccount = float64(o.TotalDailyUsage) / float64(o.ActiveAccounts)
	}
	return o
}

type SafetyReport struct {
	Lock              entities.LockState `json:"lock"`
	SafetyScore       float64            `json:"safety_score"`
	AccountsAtRisk    int                `json:"accounts_at_risk"`
	AccountsCritical  int                `json:"accounts_critical"`
	BufferUtilization float64            `json:"buffer_utilization"`
}

// accountScore rates one account: critical 20, warning 60, half used 80, else 100.
func accountScore(a entities.Account) float64 {
	switch {
	case a.UsageRatio() >= a.CriticalThreshold:
		return 20
	case a.UsageRatio() >= a.WarningThreshold:
		return 60
	case a.UsageRatio() >= 0.5:
		return 80
	default:
		return 100
	}
}

func (u *AnalyticsUsecase) Safety() SafetyReport {
	r := SafetyReport{Lock: u.gate.State()}
	var scoreSum float64
	var active, buffer, intoBuffer int
	for _, a := range u.pool.List() {
		if !a.IsActive {
			continue
		}
		active++
		scoreSum += accountScore(a)
		switch a.Health() {
		case entities.HealthCritical:
			r.AccountsCritical++
			r.AccountsAtRisk++
		case entities.HealthWarning:
			r.AccountsAtRisk++
		}
		buffer += a.BufferReserve
		if over := a.DailyUsage - a.SafeLimit(); over > 0 {
			intoBuffer += over
		}
	}
	if active > 0 {
		r.SafetyScore = scoreSum / float64(active)
	} else {
		r.SafetyScore = 100
	}
	if buffer > 0 {
		r.BufferUtilization = float64(intoBuffer) * 100 / float64(buffer)
	}
	return r
}

type Timeframe string

const (
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)

func (t Timeframe) Days() (int, bool) {
	switch t {
	case TimeframeDay:
		return 1, true
	case TimeframeWeek:
		return 7, true
	case TimeframeMonth:
		return 30, true
	}
	return 0, false
}

type TimeframeReport struct {
	Timeframe      Timeframe               `json:"timeframe"`
	TotalSent      int                     `json:"total_sent"`
	TotalFailed    int                     `json:"total_failed"`
	SuccessRate    float64                 `json:"success_rate"`
	UniqueAccounts int                     `json:"unique_accounts"`
	AveragePerDay  float64                 `json:"average_per_day"`
	Daily          []repository.DailyUsage `json:"daily"`
}

func (u *AnalyticsUsecase) Timeframe(t Timeframe) (TimeframeReport, error) {
	days, ok := t.Days()
	if !ok {
		return TimeframeReport{}, &entities.ValidationError{Fields: map[string]string{"timeframe": "must be day, week or month"}}
	}
	report := TimeframeReport{Timeframe: t, Daily: u.usage.GetUsageHistory(u.now(), days, u.loc)}
	accounts := make(map[string]struct{})
	for _, d := range report.Daily {
		report.TotalSent += d.Sent
		report.TotalFailed += d.Failed
	}
	start := report.Daily[0].Date
	for _, e := range u.usage.Since(u.now().AddDate(0, 0, -days)) {
		if e.At.In(u.loc).Format(dateLayout) < start {
			continue
		}
		if e.Status == entities.ItemSent && e.AccountID != "" {
			accounts[e.AccountID] = struct{}{}
		}
	}
	report.UniqueAccounts = len(accounts)
	if total := report.TotalSent + report.TotalFailed; total > 0 {
		report.SuccessRate = float64(report.TotalSent) * 100 / float64(total)
	}
	report.AveragePerDay = float64(report.TotalSent) / float64(days)
	return report, nil
}
