package entities

import (
	"fmt"
	"time"
)

type AccountType string

const (
	AccountPersonal   AccountType = "personal"
	AccountWorkspace  AccountType = "workspace"
	AccountEnterprise AccountType = "enterprise"
	AccountCustom     AccountType = "custom"
)

type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Connected    ConnectionStatus = "connected"
)

// AccountHealth is derived from usage against the profile thresholds.
type AccountHealth string

const (
	HealthHealthy      AccountHealth = "healthy"
	HealthWarning      AccountHealth = "warning"
	HealthCritical     AccountHealth = "critical"
	HealthInactive     AccountHealth = "inactive"
	HealthDisconnected AccountHealth = "disconnected"
)

// AccountProfile is the fixed limit record behind an AccountType.
type AccountProfile struct {
	DailyLimit        int      `json:"daily_limit"`
	HourlyLimit       int      `json:"hourly_limit"`
	BufferReserve     int      `json:"buffer_reserve"`
	WarningThreshold  float64  `json:"warning_threshold"`
	CriticalThreshold float64  `json:"critical_threshold"`
	Features          []string `json:"features"`
}

// Validate checks limit and threshold ranges.
func (p AccountProfile) Validate() error {
	verr := &ValidationError{}
	if p.DailyLimit < 0 {
		verr.Add("daily_limit", "must be >= 0")
	}
	if p.HourlyLimit < 0 {
		verr.Add("hourly_limit", "must be >= 0")
	}
	if p.BufferReserve < 0 {
		verr.Add("buffer_reserve", "must be >= 0")
	} else if p.BufferReserve > p.DailyLimit {
		verr.Add("buffer_reserve", "must not exceed daily_limit")
	}
	if p.WarningThreshold <= 0 || p.WarningThreshold > 1 {
		verr.Add("warning_threshold", "must be in (0,1]")
	}
	if p.CriticalThreshold <= 0 || p.CriticalThreshold > 1 {
		verr.Add("critical_threshold", "must be in (0,1]")
	}
	if p.WarningThreshold >= p.CriticalThreshold {
		verr.Add("warning_threshold", "must be below critical_threshold")
	}
	return verr.OrNil()
}

var accountProfiles = map[AccountType]AccountProfile{
	AccountPersonal: {
		DailyLimit: 400, HourlyLimit: 80, BufferReserve: 50,
		WarningThreshold: 0.8, CriticalThreshold: 0.95,
		Features: []string{"basic_sending", "simple_templates"},
	},
	AccountWorkspace: {
		DailyLimit: 1600, HourlyLimit: 200, BufferReserve: 200,
		WarningThreshold: 0.75, CriticalThreshold: 0.9,
		Features: []string{"bulk_sending", "advanced_templates", "analytics"},
	},
	AccountEnterprise: {
		DailyLimit: 8000, HourlyLimit: 800, BufferReserve: 800,
		WarningThreshold: 0.7, CriticalThreshold: 0.85,
		Features: []string{"unlimited_features", "api_access", "priority_support"},
	},
	AccountCustom: {
		DailyLimit: 2000, HourlyLimit: 250, BufferReserve: 300,
		WarningThreshold: 0.8, CriticalThreshold: 0.9,
		Features: []string{"custom_limits", "flexible_configuration"},
	},
}

func init() {
	for t, p := range accountProfiles {
		if err := p.Validate(); err != nil {
			panic(fmt.Sprintf("account profile %s: %v", t, err))
		}
	}
}

// Profile returns the lookup record for t.
func (t AccountType) Profile() (AccountProfile, bool) {
	p, ok := accountProfiles[t]
	return p, ok
}

func (t AccountType) Valid() bool {
	_, ok := accountProfiles[t]
	return ok
}

// ParseAccountType maps a string to a known AccountType.
func ParseAccountType(s string) (AccountType, error) {
	t := AccountType(s)
	if !t.Valid() {
		return "", &ValidationError{Fields: map[string]string{"account_type": "unknown account type"}}
	}
	return t, nil
}

type Account struct {
	ID                string           `json:"id"`
	Email             string           `json:"email"`
	Name              string           `json:"name"`
	Type              AccountType      `json:"account_type"`
	DailyLimit        int              `json:"daily_limit"`
	HourlyLimit       int              `json:"hourly_limit"`
	BufferReserve     int              `json:"buffer_reserve"`
	WarningThreshold  float64          `json:"warning_threshold"`
	CriticalThreshold float64          `json:"critical_threshold"`
	IsActive          bool             `json:"is_active"`
	ConnectionStatus  ConnectionStatus `json:"connection_status"`
	CreatedAt         time.Time        `json:"created_at"`
	UsageWindow
}

// Limits returns the account's effective limit record.
func (a Account) Limits() AccountProfile {
	return AccountProfile{
		DailyLimit:        a.DailyLimit,
		HourlyLimit:       a.HourlyLimit,
		BufferReserve:     a.BufferReserve,
		WarningThreshold:  a.WarningThreshold,
		CriticalThreshold: a.CriticalThreshold,
	}
}

// SafeLimit is the daily ceiling the pool enforces.
func (a Account) SafeLimit() int {
	return a.DailyLimit - a.BufferReserve
}

// UsageRatio is dailyUsage over dailyLimit, 0 when the limit is 0.
func (a Account) UsageRatio() float64 {
	if a.DailyLimit <= 0 {
		return 0
	}
	return float64(a.DailyUsage) / float64(a.DailyLimit)
}

// Health classifies the account for dashboards.
func (a Account) Health() AccountHealth {
	switch {
	case !a.IsActive:
		return HealthInactive
	case a.ConnectionStatus != Connected:
		return HealthDisconnected
	case a.UsageRatio() >= a.CriticalThreshold:
		return HealthCritical
	case a.UsageRatio() >= a.WarningThreshold:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
