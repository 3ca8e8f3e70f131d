package models

import "time"

// OutboxMessage is a notification that has been accepted for delivery but
// not yet handed to the mail sink. Delivered messages are removed from the
// outbox; only pending state is durable.
type OutboxMessage struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
	Sent      bool      `json:"sent"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
}
