package mailer

import "context"

// Mailer hands a notification to the outbound mail channel. Implementations
// must be safe for concurrent use; a nil error means the sink accepted the
// message and the caller may drop its durable copy.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, text string) error
}
