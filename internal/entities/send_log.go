package entities

import "time"

// SendLogEntry records one terminal item outcome.
type SendLogEntry struct {
	BatchID   string     `json:"batch_id"`
	ItemID    string     `json:"item_id"`
	AccountID string     `json:"account_id,omitempty"`
	UserID    string     `json:"user_id"`
	Recipient string     `json:"recipient"`
	Status    ItemStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	At        time.Time  `json:"at"`
}
