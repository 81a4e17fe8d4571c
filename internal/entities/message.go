package entities

// Email is what a transport delivers through a selected account.
type Email struct {
	To      string
	Subject string
	Body    string
	IsHTML  bool
}

type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
