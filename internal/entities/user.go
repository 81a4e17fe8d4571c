package entities

import "time"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
	RoleViewer  Role = "viewer"
)

type Permission string

const (
	PermSendEmails         Permission = "send_emails"
	PermManageAccounts     Permission = "manage_accounts"
	PermManageUsers        Permission = "manage_users"
	PermViewAnalytics      Permission = "view_analytics"
	PermViewBasicAnalytics Permission = "view_basic_analytics"
	PermSystemSettings     Permission = "system_settings"
	PermBulkOperations     Permission = "bulk_operations"
)

// RoleConfig is the fixed record behind a Role.
type RoleConfig struct {
	Name            string       `json:"name"`
	Permissions     []Permission `json:"permissions"`
	DailyLimit      int          `json:"daily_limit"`
	CanExceedLimits bool         `json:"can_exceed_limits"`
}

var roleConfigs = map[Role]RoleConfig{
	RoleAdmin: {
		Name: "Administrator",
		Permissions: []Permission{
			PermManageAccounts, PermManageUsers, PermViewAnalytics,
			PermSystemSettings, PermBulkOperations, PermSendEmails,
		},
		DailyLimit:      5000,
		CanExceedLimits: true,
	},
	RoleManager: {
		Name:        "Manager",
		Permissions: []Permission{PermManageUsers, PermViewAnalytics, PermBulkOperations, PermSendEmails},
		DailyLimit:  2000,
	},
	RoleUser: {
		Name:        "User",
		Permissions: []Permission{PermSendEmails, PermViewBasicAnalytics},
		DailyLimit:  500,
	},
	RoleViewer: {
		Name:        "Viewer",
		Permissions: []Permission{PermViewBasicAnalytics},
		DailyLimit:  0,
	},
}

// Config returns the lookup record for r.
func (r Role) Config() (RoleConfig, bool) {
	c, ok := roleConfigs[r]
	return c, ok
}

func (r Role) Valid() bool {
	_, ok := roleConfigs[r]
	return ok
}

// Has reports whether the role grants p. Unknown roles grant nothing.
func (r Role) Has(p Permission) bool {
	c, ok := roleConfigs[r]
	if !ok {
		return false
	}
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", &ValidationError{Fields: map[string]string{"role": "unknown role"}}
	}
	return r, nil
}

type User struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"password_hash"`
	Role           Role       `json:"role"`
	IsActive       bool       `json:"is_active"`
	DailyLimit     int        `json:"daily_limit"`
	HasCustomLimit bool       `json:"has_custom_limit"` // DailyLimit survives role changes
	DailyUsage     int        `json:"daily_usage"`
	LastResetDate  string     `json:"last_reset_date"`
	CreatedAt      time.Time  `json:"created_at"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
}

// HasPermission is false for inactive users.
func (u *User) HasPermission(p Permission) bool {
	if u == nil || !u.IsActive {
		return false
	}
	return u.Role.Has(p)
}

func (u *User) CanExceedLimits() bool {
	if u == nil {
		return false
	}
	c, ok := u.Role.Config()
	return ok && c.CanExceedLimits
}
