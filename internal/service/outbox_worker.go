package service

import (
	"context"
	"time"

	"edunexus/internal/constants"
	apperrors "edunexus/internal/errors"
	"edunexus/internal/metrics"
	"edunexus/internal/models"
	"edunexus/internal/privacy"
	"edunexus/internal/queue"
	"edunexus/pkg/mailer"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OutboxResult reports one outbox drain pass. Processed counts messages
// removed after successful delivery; Dropped counts messages discarded
// after exhausting their attempt budget.
type OutboxResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

// Outbox owns the durable queue of not-yet-delivered notifications. Any
// component that needs to notify a human enqueues here; the drain pass
// hands messages to the injectable mail sink and keeps whatever the sink
// did not accept.
//
// The outbox never consults the connectivity gate: mail delivery must keep
// working while the database is down.
type Outbox struct {
	store       *queue.Store[models.OutboxMessage]
	mailer      mailer.Mailer
	maxAttempts int
	sendTimeout time.Duration
	logger      *logrus.Logger
	errLog      *apperrors.Logger
}

func NewOutbox(store *queue.Store[models.OutboxMessage], sink mailer.Mailer, logger *logrus.Logger) *Outbox {
	return &Outbox{
		store:       store,
		mailer:      sink,
		maxAttempts: constants.DefaultMaxSendAttempts,
		sendTimeout: time.Duration(constants.DefaultMailTimeoutSec) * time.Second,
		logger:      logger,
		errLog:      apperrors.WrapLogger(logger),
	}
}

// Enqueue durably records a notification for delivery.
func (o *Outbox) Enqueue(to, subject, text string) error {
	msg := models.OutboxMessage{
		ID:        uuid.New().String(),
		To:        to,
		Subject:   subject,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.Append(msg); err != nil {
		return err
	}

	o.logger.WithFields(logrus.Fields{
		"to":      privacy.MaskEmail(to),
		"subject": subject,
	}).Debug("Notification enqueued")
	return nil
}

// Depth returns the number of pending messages.
func (o *Outbox) Depth() int {
	return o.store.Len()
}

// Pending returns the queued messages in append order.
func (o *Outbox) Pending() []models.OutboxMessage {
	return o.store.Load()
}

// ProcessOutboxOnce drains the outbox through the mail sink. A message is
// removed only after the sink accepts it; failures increment the attempt
// counter and stay queued until the attempt budget runs out.
func (o *Outbox) ProcessOutboxOnce(ctx context.Context) OutboxResult {
	var result OutboxResult

	batch := o.store.Load()
	if len(batch) == 0 {
		return result
	}

	delivered := make(map[string]bool)
	failed := make(map[string]bool)

	for _, msg := range batch {
		if ctx.Err() != nil {
			// Tick budget exhausted; persist what we have and resume
			// next cycle.
			break
		}

		sendCtx, cancel := context.WithTimeout(ctx, o.sendTimeout)
		err := o.mailer.SendEmail(sendCtx, msg.To, msg.Subject, msg.Text)
		cancel()

		if err != nil {
			failed[msg.ID] = true
			result.Failed++
			o.errLog.LogWarn(apperrors.NewMailError(msg.Subject, err), "Failed to deliver outbox message", logrus.Fields{
				"message_id": msg.ID,
				"to":         privacy.MaskEmail(msg.To),
				"attempts":   msg.Attempts + 1,
			})
			continue
		}

		delivered[msg.ID] = true
		result.Processed++
	}

	dropped := 0
	err := o.store.Update(func(items []models.OutboxMessage) []models.OutboxMessage {
		kept := items[:0]
		for _, item := range items {
			if delivered[item.ID] {
				continue
			}
			if failed[item.ID] {
				item.Attempts++
				if item.Attempts >= o.maxAttempts {
					dropped++
					o.logger.WithFields(logrus.Fields{
						"message_id": item.ID,
						"to":         privacy.MaskEmail(item.To),
						"subject":    item.Subject,
						"attempts":   item.Attempts,
					}).Error("Dropping outbox message after exhausting delivery attempts")
					continue
				}
			}
			kept = append(kept, item)
		}
		return kept
	})
	if err != nil {
		o.logger.WithError(err).Error("Failed to persist outbox after drain; delivered messages may be retried")
	}
	result.Dropped = dropped

	metrics.AddToCounter("outbox_delivered_total", float64(result.Processed), nil, "Outbox messages handed to the mail sink")
	metrics.AddToCounter("outbox_dropped_total", float64(result.Dropped), nil, "Outbox messages discarded after max attempts")
	metrics.SetGauge("queue_depth", float64(o.store.Len()), map[string]string{"queue": "outbox"}, "Current queue depth")

	return result
}
