package entities

// UsageWindow holds calendar-bound send counters.
// LastResetDate is formatted as 2006-01-02 in the tracker's location.
type UsageWindow struct {
	DailyUsage    int    `json:"daily_usage"`
	HourlyUsage   int    `json:"hourly_usage"`
	LastResetDate string `json:"last_reset_date"`
	LastResetHour int    `json:"last_reset_hour"`
}
