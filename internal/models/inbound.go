package models

import "time"

// InboundMessage is a captured reply (simulated email) that may contain a
// confirm or reject command for an org-code request. Inbound messages are
// ephemeral: they are removed after handling or permanent parse failure.
type InboundMessage struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}
