package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"edunexus/internal/constants"
	apperrors "edunexus/internal/errors"
	"edunexus/internal/metrics"
	"edunexus/internal/models"
	"edunexus/internal/privacy"
	"edunexus/internal/queue"
	"edunexus/internal/validation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OrgRequestStore is the database surface the org-code engine needs.
type OrgRequestStore interface {
	GetOrgCodeRequestByToken(ctx context.Context, token string) (*models.OrgCodeRequest, error)
	InsertOrgCodeRequest(ctx context.Context, req *models.OrgCodeRequest) error
	UpdateOrgCodeRequest(ctx context.Context, token string, status models.RequestStatus, orgCode, reason string) (bool, error)
	ConfirmOrgCodeRequest(ctx context.Context, token string, code *models.OrgCode) (string, bool, error)
	UpsertOrgCodeRequestByToken(ctx context.Context, req *models.OrgCodeRequest) error
	InsertOrgCodeIfAbsent(ctx context.Context, code *models.OrgCode) (bool, error)
	ListOrgCodes(ctx context.Context) ([]models.OrgCode, error)
}

// OrgCodeRequestInput is a client-facing request for a new organization code.
type OrgCodeRequestInput struct {
	ManagementEmail string `json:"managementEmail"`
	OrgType         string `json:"orgType"`
	InstituteID     string `json:"instituteId,omitempty"`
}

// OrgCodeRequestOutcome identifies a newly created request.
type OrgCodeRequestOutcome struct {
	ID     string `json:"id"`
	Token  string `json:"token"`
	Queued bool   `json:"queued"`
}

// ConfirmResult carries the issued code back to the caller.
type ConfirmResult struct {
	Code string `json:"code"`
}

// OrgSyncResult reports one reconciliation pass over the org-request queue.
type OrgSyncResult struct {
	Processed int `json:"processed"`
	Dropped   int `json:"dropped"`
}

// OrgCodeService owns the request state machine. A request is keyed by its
// token and may live on disk, in the database, or both during recovery; the
// engine resolves by token so the two copies stay one logical entity.
type OrgCodeService struct {
	db            OrgRequestStore
	gate          ConnectivityGate
	store         *queue.Store[models.OrgCodeRequest]
	outbox        *Outbox
	reviewerEmail string
	maxAttempts   int
	logger        *logrus.Logger
	errLog        *apperrors.Logger
}

func NewOrgCodeService(db OrgRequestStore, gate ConnectivityGate, store *queue.Store[models.OrgCodeRequest], outbox *Outbox, reviewerEmail string, logger *logrus.Logger) *OrgCodeService {
	return &OrgCodeService{
		db:            db,
		gate:          gate,
		store:         store,
		outbox:        outbox,
		reviewerEmail: reviewerEmail,
		maxAttempts:   constants.DefaultMaxSendAttempts,
		logger:        logger,
		errLog:        apperrors.WrapLogger(logger),
	}
}

// CreateRequest validates the input, persists a pending request, and
// notifies the reviewer and the requester. The request goes to the database
// when reachable and to the durable queue otherwise; either way the caller
// gets a token.
func (s *OrgCodeService) CreateRequest(ctx context.Context, input OrgCodeRequestInput) (*OrgCodeRequestOutcome, error) {
	if err := validation.ValidateEmail(input.ManagementEmail); err != nil {
		return nil, err
	}
	if err := validation.ValidateOrgType(input.OrgType); err != nil {
		return nil, err
	}

	token, err := generateRequestToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request token: %w", err)
	}

	req := models.OrgCodeRequest{
		ID:              uuid.New().String(),
		Token:           token,
		ManagementEmail: input.ManagementEmail,
		OrgType:         input.OrgType,
		InstituteID:     input.InstituteID,
		Status:          models.RequestStatusPending,
		CreatedAt:       time.Now().UTC(),
	}

	queued := false
	if s.gate.IsReachable(ctx) {
		writeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
		err := s.db.InsertOrgCodeRequest(writeCtx, &req)
		cancel()
		if err != nil {
			s.logger.WithError(err).Warn("Direct org code request insert failed; falling back to durable queue")
			queued = true
		}
	} else {
		queued = true
	}

	if queued {
		if err := s.store.Append(req); err != nil {
			return nil, err
		}
		metrics.IncrementCounter("org_requests_queued_total", nil, "Org code requests accepted while the database was unreachable")
	}

	s.logger.WithFields(logrus.Fields{
		"token":  privacy.MaskToken(req.Token),
		"email":  privacy.MaskEmail(req.ManagementEmail),
		"queued": queued,
	}).Info("Org code request created")

	s.notifyReviewer(req)
	s.notifyRequesterReceived(req)

	return &OrgCodeRequestOutcome{ID: req.ID, Token: req.Token, Queued: queued}, nil
}

// ConfirmRequest moves a pending request to confirmed, issuing exactly one
// code per token. Confirming an already-confirmed token returns the same
// code again without a second notification. Returns false when the token
// is unknown or the request was rejected.
func (s *OrgCodeService) ConfirmRequest(ctx context.Context, token string) (*ConfirmResult, bool) {
	if err := validation.ValidateToken(token); err != nil {
		s.logger.WithError(err).Warn("Confirm with malformed token")
		return nil, false
	}

	req, onDisk := s.resolveRequest(ctx, token)
	if req == nil {
		s.logger.WithField("token", privacy.MaskToken(token)).Warn("Confirm for unknown token")
		return nil, false
	}

	switch req.Status {
	case models.RequestStatusConfirmed:
		return &ConfirmResult{Code: req.OrgCode}, true
	case models.RequestStatusRejected:
		return nil, false
	}

	if onDisk {
		code, err := generateOrgCode()
		if err != nil {
			s.logger.WithError(err).Error("Failed to generate org code")
			return nil, false
		}
		if !s.updateDiskRequest(token, models.RequestStatusConfirmed, code, "") {
			return nil, false
		}
		s.notifyRequesterConfirmed(*req, code)
		metrics.IncrementCounter("org_requests_confirmed_total", nil, "Org code requests confirmed")
		return &ConfirmResult{Code: code}, true
	}

	// The status flip and the code insert happen atomically in the store,
	// so a confirm racing this one cannot mint a second code: whichever
	// write lands first wins and the loser hands back the winner's code.
	for attempt := 0; attempt < 5; attempt++ {
		value, err := generateOrgCode()
		if err != nil {
			s.logger.WithError(err).Error("Failed to generate org code")
			return nil, false
		}
		code := models.OrgCode{
			OrgType:     req.OrgType,
			InstituteID: req.InstituteID,
			Code:        value,
			CreatedAt:   time.Now().UTC(),
		}

		writeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
		stored, issued, err := s.db.ConfirmOrgCodeRequest(writeCtx, token, &code)
		cancel()
		if err != nil {
			if apperrors.GetCode(err) == apperrors.ErrCodeDuplicate {
				s.logger.WithField("code", privacy.MaskOrgCode(value)).Warn("Org code collision; regenerating")
				continue
			}
			s.logger.WithError(err).WithField("token", privacy.MaskToken(token)).Error("Failed to confirm request")
			return nil, false
		}
		if issued {
			s.notifyRequesterConfirmed(*req, value)
			metrics.IncrementCounter("org_requests_confirmed_total", nil, "Org code requests confirmed")
			return &ConfirmResult{Code: value}, true
		}
		if stored != "" {
			// A concurrent confirm settled the request first; its code is
			// the one the requester was already notified about.
			return &ConfirmResult{Code: stored}, true
		}
		// Rejected between our read and the update.
		return nil, false
	}

	s.logger.WithField("token", privacy.MaskToken(token)).Error("Could not issue a unique org code")
	return nil, false
}

// RejectRequest moves a pending request to rejected and notifies the
// requester with the reason. Rejecting an already-rejected token is a
// no-op returning true; rejecting a confirmed or unknown token fails.
func (s *OrgCodeService) RejectRequest(ctx context.Context, token, reason string) bool {
	if err := validation.ValidateToken(token); err != nil {
		s.logger.WithError(err).Warn("Reject with malformed token")
		return false
	}
	if err := validation.ValidateReason(reason); err != nil {
		s.logger.WithError(err).Warn("Rejecting with invalid reason")
		return false
	}

	req, onDisk := s.resolveRequest(ctx, token)
	if req == nil {
		s.logger.WithField("token", privacy.MaskToken(token)).Warn("Reject for unknown token")
		return false
	}

	switch req.Status {
	case models.RequestStatusRejected:
		return true
	case models.RequestStatusConfirmed:
		return false
	}

	if onDisk {
		if !s.updateDiskRequest(token, models.RequestStatusRejected, "", reason) {
			return false
		}
	} else {
		writeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
		updated, err := s.db.UpdateOrgCodeRequest(writeCtx, token, models.RequestStatusRejected, "", reason)
		cancel()
		if err != nil || !updated {
			s.logger.WithError(err).WithField("token", privacy.MaskToken(token)).Error("Failed to mark request rejected")
			return false
		}
	}

	s.notifyRequesterRejected(*req, reason)
	metrics.IncrementCounter("org_requests_rejected_total", nil, "Org code requests rejected")
	return true
}

// IssuedCodes lists all codes issued so far, newest first.
func (s *OrgCodeService) IssuedCodes(ctx context.Context) ([]models.OrgCode, error) {
	if !s.gate.IsReachable(ctx) {
		return nil, fmt.Errorf("database not reachable")
	}
	readCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
	defer cancel()
	return s.db.ListOrgCodes(readCtx)
}

// QueueDepth returns the number of disk-held requests awaiting reconciliation.
func (s *OrgCodeService) QueueDepth() int {
	return s.store.Len()
}

// ProcessOrgRequestsOnce reconciles disk-held requests into the database.
// A terminal disk record wins over whatever the database holds for the
// token; a pending disk record defers to any existing database row.
func (s *OrgCodeService) ProcessOrgRequestsOnce(ctx context.Context) OrgSyncResult {
	var result OrgSyncResult

	if s.store.Len() == 0 {
		return result
	}

	if !s.gate.IsReachable(ctx) {
		s.logger.Info("Database not reachable; skipping org request reconciliation this cycle")
		return result
	}

	batch := s.store.Load()
	settled := make(map[string]bool)
	unrecoverable := make(map[string]bool)
	failedAttempts := make(map[string]int)

	for _, item := range batch {
		if ctx.Err() != nil {
			break
		}

		if err := s.reconcileOne(ctx, item); err != nil {
			if !apperrors.IsRecoverable(err) {
				// Retrying cannot fix this item; burning the remaining
				// attempt budget on it would only delay the rest.
				unrecoverable[item.ID] = true
				s.errLog.LogError(apperrors.FromContext(ctx, err), "Dropping org code request on unrecoverable error", logrus.Fields{
					"token": privacy.MaskToken(item.Token),
				})
				continue
			}
			failedAttempts[item.ID] = item.Attempts + 1
			s.errLog.LogWarn(apperrors.FromContext(ctx, err), "Failed to reconcile org code request", logrus.Fields{
				"token":    privacy.MaskToken(item.Token),
				"attempts": item.Attempts + 1,
			})
			continue
		}
		settled[item.ID] = true
	}

	dropped := 0
	err := s.store.Update(func(items []models.OrgCodeRequest) []models.OrgCodeRequest {
		kept := items[:0]
		for _, item := range items {
			if settled[item.ID] {
				continue
			}
			if unrecoverable[item.ID] {
				dropped++
				continue
			}
			if attempts, ok := failedAttempts[item.ID]; ok {
				item.Attempts = attempts
				if item.Attempts >= s.maxAttempts {
					dropped++
					s.logger.WithFields(logrus.Fields{
						"token":    privacy.MaskToken(item.Token),
						"attempts": item.Attempts,
					}).Error("Dropping org code request after exhausting reconciliation attempts")
					continue
				}
			}
			kept = append(kept, item)
		}
		return kept
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to persist org request queue after reconciliation")
	}

	result.Processed = len(settled)
	result.Dropped = dropped

	metrics.AddToCounter("org_requests_reconciled_total", float64(result.Processed), nil, "Org code requests reconciled into the database")
	metrics.SetGauge("queue_depth", float64(s.store.Len()), map[string]string{"queue": "org_requests"}, "Current queue depth")

	return result
}

// reconcileOne settles a single disk record against the database. Returning
// an error keeps the record queued for the next cycle.
func (s *OrgCodeService) reconcileOne(ctx context.Context, item models.OrgCodeRequest) error {
	readCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
	row, err := s.db.GetOrgCodeRequestByToken(readCtx, item.Token)
	cancel()
	if err != nil {
		return dbFailure("lookup org request", err)
	}

	if !item.Status.IsTerminal() {
		if row != nil {
			// The database already tracks this token; whatever state it
			// holds is newer than the queued pending copy.
			return nil
		}
		writeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
		err := s.db.InsertOrgCodeRequest(writeCtx, &item)
		cancel()
		if err != nil {
			if apperrors.GetCode(err) == apperrors.ErrCodeDuplicate {
				// The row appeared between our read and the insert;
				// whatever wrote it owns the request now.
				return nil
			}
			return dbFailure("insert org request", err)
		}
		// The request rode out an outage on disk; make sure the reviewer
		// still has the token now that it is live in the database.
		s.notifyReviewer(item)
		return nil
	}

	if item.Status == models.RequestStatusConfirmed && item.OrgCode != "" {
		code := models.OrgCode{
			OrgType:     item.OrgType,
			InstituteID: item.InstituteID,
			Code:        item.OrgCode,
			CreatedAt:   item.CreatedAt,
		}
		writeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
		_, err := s.db.InsertOrgCodeIfAbsent(writeCtx, &code)
		cancel()
		if err != nil {
			return dbFailure("insert org code", err)
		}
	}

	writeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
	err = s.db.UpsertOrgCodeRequestByToken(writeCtx, &item)
	cancel()
	if err != nil {
		return dbFailure("upsert org request", err)
	}
	return nil
}

// dbFailure tags a raw store error as a retryable database failure for the
// attempt accounting; errors that already carry a classification keep it.
func dbFailure(operation string, err error) error {
	if _, ok := err.(*apperrors.AppError); ok {
		return err
	}
	return apperrors.NewDatabaseError(operation, err)
}

// resolveRequest finds the request for a token. The database row wins when
// reachable and present; the disk queue covers outages and not-yet-synced
// requests.
func (s *OrgCodeService) resolveRequest(ctx context.Context, token string) (*models.OrgCodeRequest, bool) {
	if s.gate.IsReachable(ctx) {
		readCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
		row, err := s.db.GetOrgCodeRequestByToken(readCtx, token)
		cancel()
		if err != nil {
			s.logger.WithError(err).WithField("token", privacy.MaskToken(token)).Warn("Failed to look up request in database")
		} else if row != nil {
			return row, false
		}
	}

	for _, item := range s.store.Load() {
		if item.Token == token {
			found := item
			return &found, true
		}
	}
	return nil, false
}

func (s *OrgCodeService) updateDiskRequest(token string, status models.RequestStatus, orgCode, reason string) bool {
	changed := false
	err := s.store.Update(func(items []models.OrgCodeRequest) []models.OrgCodeRequest {
		for i := range items {
			if items[i].Token == token && !items[i].Status.IsTerminal() {
				items[i].Status = status
				items[i].OrgCode = orgCode
				items[i].Reason = reason
				changed = true
				break
			}
		}
		return items
	})
	if err != nil {
		s.logger.WithError(err).WithField("token", privacy.MaskToken(token)).Error("Failed to persist request transition to disk")
		return false
	}
	return changed
}

func (s *OrgCodeService) notifyReviewer(req models.OrgCodeRequest) {
	if s.reviewerEmail == "" {
		return
	}
	subject := "New organization code request"
	text := fmt.Sprintf(
		"A new organization code request is awaiting review.\n\n"+
			"Requester: %s\nOrganization type: %s\n",
		req.ManagementEmail, req.OrgType)
	if req.InstituteID != "" {
		text += fmt.Sprintf("Institute: %s\n", req.InstituteID)
	}
	text += fmt.Sprintf(
		"\nTo approve, reply with:\n  /confirm/%s\n\n"+
			"To decline, reply with:\n  reject %s\n  reason: <optional explanation>\n",
		req.Token, req.Token)
	s.enqueueNotification(s.reviewerEmail, subject, text)
}

func (s *OrgCodeService) notifyRequesterReceived(req models.OrgCodeRequest) {
	subject := "Organization code request received"
	text := fmt.Sprintf(
		"We received your organization code request for your %s. "+
			"You will get another email once it has been reviewed.",
		req.OrgType)
	s.enqueueNotification(req.ManagementEmail, subject, text)
}

func (s *OrgCodeService) notifyRequesterConfirmed(req models.OrgCodeRequest, code string) {
	subject := "Your organization code request was approved"
	text := fmt.Sprintf(
		"Good news: your organization code request was approved.\n\n"+
			"Your code: %s\n\nUse this code to register your %s.",
		code, req.OrgType)
	s.enqueueNotification(req.ManagementEmail, subject, text)
}

func (s *OrgCodeService) notifyRequesterRejected(req models.OrgCodeRequest, reason string) {
	subject := "Your organization code request was declined"
	text := "We are sorry, but your organization code request was declined."
	if reason != "" {
		text += fmt.Sprintf("\n\nReason: %s", reason)
	}
	s.enqueueNotification(req.ManagementEmail, subject, text)
}

func (s *OrgCodeService) enqueueNotification(to, subject, text string) {
	if err := s.outbox.Enqueue(to, subject, text); err != nil {
		s.logger.WithError(err).WithField("email", privacy.MaskEmail(to)).Warn("Failed to enqueue notification")
	}
}

func generateRequestToken() (string, error) {
	b := make([]byte, constants.RequestTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func generateOrgCode() (string, error) {
	alphabet := constants.OrgCodeAlphabet
	out := make([]byte, constants.OrgCodeLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
