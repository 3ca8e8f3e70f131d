package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	apperrors "edunexus/internal/errors"
	"edunexus/internal/metrics"
	"edunexus/internal/models"
	"edunexus/internal/privacy"
	"edunexus/internal/queue"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// The inbound grammar is deliberately small: two command shapes, matched
// with explicit patterns instead of loose substring checks. Reject is
// matched first so a body like "reject confirm abc" cannot be read as a
// confirmation.
var (
	rejectPathPattern  = regexp.MustCompile(`(?i)/reject/([A-Za-z0-9_-]{8,64})`)
	rejectPattern      = regexp.MustCompile(`(?i)\breject\b[:\s]*([A-Za-z0-9_-]{8,64})`)
	reasonPattern      = regexp.MustCompile(`(?im)^\s*reason\s*:\s*(.+?)\s*$`)
	confirmPathPattern = regexp.MustCompile(`(?i)/confirm/([A-Za-z0-9_-]{8,64})`)
	confirmWordPattern = regexp.MustCompile(`(?i)\b(?:confirm(?:ation)?|approve)\b[:\s]*([A-Za-z0-9_-]{8,64})`)
	bareTokenPattern   = regexp.MustCompile(`(?i)\b([0-9a-f]{40})\b`)
)

// InboundResult reports one pass over the inbound queue. Every item is
// removed each pass; Processed counts commands that parsed, Dropped counts
// the unparseable remainder.
type InboundResult struct {
	Processed int `json:"processed"`
	Dropped   int `json:"dropped"`
}

type inboundCommand struct {
	reject bool
	token  string
	reason string
}

// InboundProcessor turns short free-text messages, typically replies to a
// reviewer notification, into confirm and reject calls on the org-code
// engine.
type InboundProcessor struct {
	store    *queue.Store[models.InboundMessage]
	orgCodes *OrgCodeService
	logger   *logrus.Logger
	errLog   *apperrors.Logger
}

func NewInboundProcessor(store *queue.Store[models.InboundMessage], orgCodes *OrgCodeService, logger *logrus.Logger) *InboundProcessor {
	return &InboundProcessor{store: store, orgCodes: orgCodes, logger: logger, errLog: apperrors.WrapLogger(logger)}
}

// Enqueue accepts a raw inbound message for the next processing pass.
func (p *InboundProcessor) Enqueue(from, subject, body string) error {
	msg := models.InboundMessage{
		ID:         uuid.New().String(),
		From:       from,
		Subject:    subject,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	}
	return p.store.Append(msg)
}

// QueueDepth returns the number of inbound messages awaiting processing.
func (p *InboundProcessor) QueueDepth() int {
	return p.store.Len()
}

// Pending returns the messages currently waiting in the queue.
func (p *InboundProcessor) Pending() []models.InboundMessage {
	return p.store.Load()
}

// ProcessInboundOnce drains the inbound queue. Every message is terminal
// after one pass: interpreted commands are applied, unknown tokens are
// logged, and unparseable bodies are dropped. Retrying cannot fix a
// malformed message, so nothing is kept.
func (p *InboundProcessor) ProcessInboundOnce(ctx context.Context) InboundResult {
	var result InboundResult

	batch := p.store.Load()
	if len(batch) == 0 {
		return result
	}

	handled := make(map[string]bool)

	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		handled[msg.ID] = true

		cmd, ok := parseInboundCommand(msg.Body)
		if !ok {
			// Some mail clients put the interesting line in the subject.
			cmd, ok = parseInboundCommand(msg.Subject)
		}
		if !ok {
			result.Dropped++
			p.errLog.LogWarn(apperrors.NewParseError(msg.ID), "Dropping unparseable inbound message", logrus.Fields{
				"from": privacy.MaskEmail(msg.From),
			})
			continue
		}

		result.Processed++
		if cmd.reject {
			if !p.orgCodes.RejectRequest(ctx, cmd.token, cmd.reason) {
				p.logger.WithFields(logrus.Fields{
					"messageId": msg.ID,
					"token":     privacy.MaskToken(cmd.token),
				}).Warn("Inbound reject did not apply")
			}
			continue
		}
		if _, ok := p.orgCodes.ConfirmRequest(ctx, cmd.token); !ok {
			p.logger.WithFields(logrus.Fields{
				"messageId": msg.ID,
				"token":     privacy.MaskToken(cmd.token),
			}).Warn("Inbound confirm did not apply")
		}
	}

	if err := p.store.Update(func(items []models.InboundMessage) []models.InboundMessage {
		kept := items[:0]
		for _, item := range items {
			if !handled[item.ID] {
				kept = append(kept, item)
			}
		}
		return kept
	}); err != nil {
		p.logger.WithError(err).Error("Failed to persist inbound queue after drain")
	}

	metrics.AddToCounter("inbound_commands_total", float64(result.Processed), nil, "Inbound messages interpreted as commands")
	metrics.AddToCounter("inbound_dropped_total", float64(result.Dropped), nil, "Inbound messages dropped as unparseable")
	metrics.SetGauge("queue_depth", float64(p.store.Len()), map[string]string{"queue": "inbound"}, "Current queue depth")

	return result
}

// parseInboundCommand matches a message body against the command grammar.
func parseInboundCommand(body string) (inboundCommand, bool) {
	rejectMatch := rejectPattern.FindStringSubmatch(body)
	if rejectMatch == nil {
		rejectMatch = rejectPathPattern.FindStringSubmatch(body)
	}
	if rejectMatch != nil {
		reason := ""
		if r := reasonPattern.FindStringSubmatch(body); r != nil {
			reason = strings.TrimSpace(r[1])
		}
		return inboundCommand{reject: true, token: rejectMatch[1], reason: reason}, true
	}
	if m := confirmPathPattern.FindStringSubmatch(body); m != nil {
		return inboundCommand{token: m[1]}, true
	}
	if m := confirmWordPattern.FindStringSubmatch(body); m != nil {
		return inboundCommand{token: m[1]}, true
	}
	if m := bareTokenPattern.FindStringSubmatch(body); m != nil {
		return inboundCommand{token: strings.ToLower(m[1])}, true
	}
	return inboundCommand{}, false
}
