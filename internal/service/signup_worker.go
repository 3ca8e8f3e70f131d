package service

import (
	"context"
	"fmt"
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
	"golang.org/x/crypto/bcrypt"
)

// SignupStore is the user-table surface the signup path needs.
type SignupStore interface {
	InsertUserIfAbsent(ctx context.Context, signup *models.QueuedSignup) (bool, error)
}

// SignupInput is a client-facing signup request.
type SignupInput struct {
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Password string            `json:"password"`
	Role     string            `json:"role"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// SignupOutcome tells the caller whether the account was created directly
// or accepted into the durable queue for later sync.
type SignupOutcome struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

// SignupResult reports one signup-queue drain pass. Processed is the
// number of items fully settled this pass: Inserted rows plus Skipped
// duplicates. Dropped counts items discarded after the attempt budget.
type SignupResult struct {
	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Skipped   int `json:"skipped"`
	Dropped   int `json:"dropped"`
}

// SignupService owns the signup path: direct insert while the database is
// reachable, durable queue otherwise, and the sync worker that drains the
// queue once connectivity returns.
type SignupService struct {
	db          SignupStore
	gate        ConnectivityGate
	store       *queue.Store[models.QueuedSignup]
	outbox      *Outbox
	adminEmail  string
	maxAttempts int
	logger      *logrus.Logger
}

func NewSignupService(db SignupStore, gate ConnectivityGate, store *queue.Store[models.QueuedSignup], outbox *Outbox, adminEmail string, logger *logrus.Logger) *SignupService {
	return &SignupService{
		db:          db,
		gate:        gate,
		store:       store,
		outbox:      outbox,
		adminEmail:  adminEmail,
		maxAttempts: constants.DefaultMaxSendAttempts,
		logger:      logger,
	}
}

// Register accepts a signup. The caller always gets a success outcome as
// long as the input is valid: when the database is unreachable the record
// is queued and synced later.
func (s *SignupService) Register(ctx context.Context, input SignupInput) (*SignupOutcome, error) {
	if err := validation.ValidateEmail(input.Email); err != nil {
		return nil, err
	}
	if err := validation.ValidatePassword(input.Password); err != nil {
		return nil, err
	}
	if err := validation.ValidateName(input.Name); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := input.Role
	if role == "" {
		role = "Management"
	}

	signup := models.QueuedSignup{
		ID:           uuid.New().String(),
		Email:        input.Email,
		Name:         input.Name,
		PasswordHash: string(hash),
		Role:         role,
		Extra:        input.Extra,
		CreatedAt:    time.Now().UTC(),
	}

	if s.gate.IsReachable(ctx) {
		writeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
		inserted, err := s.db.InsertUserIfAbsent(writeCtx, &signup)
		cancel()

		if err == nil {
			if !inserted {
				return nil, apperrors.NewDuplicateError("user", privacy.MaskEmail(signup.Email))
			}
			s.logger.WithField("email", privacy.MaskEmail(signup.Email)).Info("User created")
			return &SignupOutcome{ID: signup.ID}, nil
		}

		s.logger.WithError(err).Warn("Direct signup insert failed; falling back to durable queue")
	}

	if err := s.store.Append(signup); err != nil {
		return nil, err
	}

	s.logger.WithField("email", privacy.MaskEmail(signup.Email)).Info("Signup accepted into durable queue")
	metrics.IncrementCounter("signups_queued_total", nil, "Signups accepted while the database was unreachable")
	return &SignupOutcome{ID: signup.ID, Queued: true}, nil
}

// QueueDepth returns the number of queued signups awaiting sync.
func (s *SignupService) QueueDepth() int {
	return s.store.Len()
}

// ProcessSignupQueueOnce drains queued signups into the user table. Each
// item settles independently: inserted and removed, removed as a confirmed
// duplicate, or kept for the next cycle on a transient failure.
func (s *SignupService) ProcessSignupQueueOnce(ctx context.Context) SignupResult {
	var result SignupResult

	if s.store.Len() == 0 {
		return result
	}

	if !s.gate.IsReachable(ctx) {
		s.logger.Info("Database not reachable; skipping signup queue this cycle")
		return result
	}

	batch := s.store.Load()
	settled := make(map[string]bool)
	failedAttempts := make(map[string]int)

	for _, item := range batch {
		if ctx.Err() != nil {
			break
		}

		writeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultDBWriteTimeoutSec)*time.Second)
		inserted, err := s.db.InsertUserIfAbsent(writeCtx, &item)
		cancel()

		if err != nil {
			failedAttempts[item.ID] = item.Attempts + 1
			s.logger.WithError(err).WithFields(logrus.Fields{
				"email":    privacy.MaskEmail(item.Email),
				"attempts": item.Attempts + 1,
			}).Warn("Failed to sync queued signup")
			continue
		}

		settled[item.ID] = true
		if inserted {
			result.Inserted++
			s.logger.WithField("email", privacy.MaskEmail(item.Email)).Info("Queued signup synced to database")
			continue
		}

		// Email already exists: the account was created through another
		// path. The item is settled, not retried, but the conflict is
		// surfaced to the admin rather than silently dropped.
		result.Skipped++
		s.logger.WithField("email", privacy.MaskEmail(item.Email)).Warn("Queued signup discarded: email already registered")
		s.notifyDuplicate(item)
	}

	dropped := 0
	err := s.store.Update(func(items []models.QueuedSignup) []models.QueuedSignup {
		kept := items[:0]
		for _, item := range items {
			if settled[item.ID] {
				continue
			}
			if attempts, ok := failedAttempts[item.ID]; ok {
				item.Attempts = attempts
				if item.Attempts >= s.maxAttempts {
					dropped++
					s.logger.WithFields(logrus.Fields{
						"email":    privacy.MaskEmail(item.Email),
						"attempts": item.Attempts,
					}).Error("Dropping queued signup after exhausting sync attempts")
					continue
				}
			}
			kept = append(kept, item)
		}
		return kept
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to persist signup queue after drain")
	}
	result.Dropped = dropped
	result.Processed = result.Inserted + result.Skipped

	metrics.AddToCounter("signups_synced_total", float64(result.Inserted), nil, "Queued signups inserted into the user table")
	metrics.AddToCounter("signups_duplicate_total", float64(result.Skipped), nil, "Queued signups discarded as duplicates")
	metrics.SetGauge("queue_depth", float64(s.store.Len()), map[string]string{"queue": "signups"}, "Current queue depth")

	return result
}

func (s *SignupService) notifyDuplicate(item models.QueuedSignup) {
	if s.adminEmail == "" {
		return
	}
	subject := "Queued signup dropped: duplicate email"
	text := fmt.Sprintf("A queued signup for %s was discarded during sync because the email is already registered.", item.Email)
	if err := s.outbox.Enqueue(s.adminEmail, subject, text); err != nil {
		s.logger.WithError(err).Warn("Failed to enqueue duplicate-signup notification")
	}
}
