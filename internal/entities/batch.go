package entities

import "time"

type ItemStatus string

const (
	ItemQueued  ItemStatus = "queued"
	ItemSending ItemStatus = "sending"
	ItemSent    ItemStatus = "sent"
	ItemFailed  ItemStatus = "failed"
)

type BatchStatus string

const (
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

type RetryKind string

const (
	RetryPending  RetryKind = "pending"
	RetryRetrying RetryKind = "retrying"
)

// RetryState separates fresh work from backoff-delayed retries.
// Attempt and NotBefore are only meaningful when Kind is RetryRetrying.
type RetryState struct {
	Kind      RetryKind `json:"kind"`
	Attempt   int       `json:"attempt,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
}

func Pending() RetryState { return RetryState{Kind: RetryPending} }

func Retrying(attempt int, notBefore time.Time) RetryState {
	return RetryState{Kind: RetryRetrying, Attempt: attempt, NotBefore: notBefore}
}

// Ready reports whether the item may be attempted at now.
func (r RetryState) Ready(now time.Time) bool {
	return r.Kind != RetryRetrying || !now.Before(r.NotBefore)
}

type Item struct {
	ID        string     `json:"id"`
	Recipient string     `json:"recipient"`
	Name      string     `json:"name,omitempty"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	Status    ItemStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Retry     RetryState `json:"retry"`
	Error     string     `json:"error,omitempty"`
	AccountID string     `json:"account_id,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Denial    Reason     `json:"denial,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

func (i Item) Terminal() bool {
	return i.Status == ItemSent || i.Status == ItemFailed
}

type Batch struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Campaign    string      `json:"campaign,omitempty"`
	Template    string      `json:"template,omitempty"`
	Priority    int         `json:"priority"`
	IsHTML      bool        `json:"is_html,omitempty"`
	Status      BatchStatus `json:"status"`
	Items       []Item      `json:"items"`
	CreatedAt   time.Time   `json:"created_at"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Due reports whether the batch may be drained at now.
func (b Batch) Due(now time.Time) bool {
	return b.ScheduledAt == nil || !now.Before(*b.ScheduledAt)
}

// Done reports whether every item is sent or failed.
func (b Batch) Done() bool {
	for _, it := range b.Items {
		if !it.Terminal() {
			return false
		}
	}
	return true
}

// Counts tallies items per status.
func (b Batch) Counts() Stats {
	var s Stats
	for _, it := range b.Items {
		switch it.Status {
		case ItemQueued:
			s.Queued++
		case ItemSending:
			s.Sending++
		case ItemSent:
			s.Sent++
		case ItemFailed:
			s.Failed++
		}
	}
	return s
}

// Stats is the dispatcher snapshot. Queued and Sending describe the live
// queue; Sent and Failed are cumulative.
type Stats struct {
	Queued    int `json:"queued"`
	Sending   int `json:"sending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Scheduled int `json:"scheduled"` // queued items in batches not yet due
}

// Progress describes the running dispatch session.
type Progress struct {
	Running       bool          `json:"running"`
	Paused        bool          `json:"paused"`
	Batches       int           `json:"batches"`
	Processed     int           `json:"processed"`
	Remaining     int           `json:"remaining"`
	Percent       float64       `json:"percent"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	EstimatedLeft time.Duration `json:"estimated_left"`
}
