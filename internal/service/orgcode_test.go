package service

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	apperrors "edunexus/internal/errors"
	"edunexus/internal/models"
	"edunexus/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewerAddr = "reviewer@example.org"

var (
	tokenPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)
	codePattern  = regexp.MustCompile(`^[A-Z0-9]{6}$`)
)

func newTestOrgService(t *testing.T, db *fakeOrgStore, gate ConnectivityGate) (*OrgCodeService, *queue.Store[models.OrgCodeRequest], *Outbox) {
	t.Helper()
	store := newQueueStore[models.OrgCodeRequest](t, "org_code_requests.json")
	outbox := newTestOutbox(t, &fakeMailer{})
	svc := NewOrgCodeService(db, gate, store, outbox, reviewerAddr, testLogger())
	return svc, store, outbox
}

func pendingFor(outbox *Outbox, to string) []models.OutboxMessage {
	var out []models.OutboxMessage
	for _, msg := range outbox.Pending() {
		if msg.To == to {
			out = append(out, msg)
		}
	}
	return out
}

func instituteInput() OrgCodeRequestInput {
	return OrgCodeRequestInput{
		ManagementEmail: "m@x.test",
		OrgType:         models.OrgTypeInstitute,
		InstituteID:     "inst-42",
	}
}

func TestCreateRequestReachable(t *testing.T) {
	db := newFakeOrgStore()
	svc, store, outbox := newTestOrgService(t, db, NewStaticGate(true))

	outcome, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	assert.False(t, outcome.Queued)
	assert.Regexp(t, tokenPattern, outcome.Token)
	assert.Equal(t, 0, store.Len())

	req, ok := db.request(outcome.Token)
	require.True(t, ok)
	assert.Equal(t, models.RequestStatusPending, req.Status)
	assert.Equal(t, "inst-42", req.InstituteID)

	// Reviewer gets the token with confirm and reject instructions.
	reviewerMail := pendingFor(outbox, reviewerAddr)
	require.Len(t, reviewerMail, 1)
	assert.Contains(t, reviewerMail[0].Text, outcome.Token)
	assert.Contains(t, reviewerMail[0].Text, "/confirm/")
	assert.Contains(t, reviewerMail[0].Text, "reject")

	// Requester gets an acknowledgement.
	ack := pendingFor(outbox, "m@x.test")
	require.Len(t, ack, 1)
	assert.Contains(t, ack[0].Subject, "received")
}

func TestCreateRequestUnreachableGoesToQueue(t *testing.T) {
	db := newFakeOrgStore()
	svc, store, outbox := newTestOrgService(t, db, NewStaticGate(false))

	outcome, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	assert.True(t, outcome.Queued)
	require.Equal(t, 1, store.Len())
	assert.Equal(t, outcome.Token, store.Load()[0].Token)

	_, ok := db.request(outcome.Token)
	assert.False(t, ok)

	// Notifications are queued regardless of database state.
	assert.Len(t, pendingFor(outbox, reviewerAddr), 1)
}

func TestCreateRequestValidatesInput(t *testing.T) {
	svc, _, _ := newTestOrgService(t, newFakeOrgStore(), NewStaticGate(true))

	_, err := svc.CreateRequest(context.Background(), OrgCodeRequestInput{
		ManagementEmail: "bad-email", OrgType: models.OrgTypeSchool,
	})
	assert.Error(t, err)

	_, err = svc.CreateRequest(context.Background(), OrgCodeRequestInput{
		ManagementEmail: "ok@example.org", OrgType: "company",
	})
	assert.Error(t, err)
}

func TestConfirmRequestIssuesExactlyOneCode(t *testing.T) {
	db := newFakeOrgStore()
	svc, _, outbox := newTestOrgService(t, db, NewStaticGate(true))

	outcome, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	first, ok := svc.ConfirmRequest(context.Background(), outcome.Token)
	require.True(t, ok)
	assert.Regexp(t, codePattern, first.Code)

	second, ok := svc.ConfirmRequest(context.Background(), outcome.Token)
	require.True(t, ok)
	assert.Equal(t, first.Code, second.Code)

	assert.Equal(t, 1, db.codeCount())

	req, _ := db.request(outcome.Token)
	assert.Equal(t, models.RequestStatusConfirmed, req.Status)
	assert.Equal(t, first.Code, req.OrgCode)

	// One approval notification containing the literal code; the second
	// confirm must not enqueue another.
	var approvals []models.OutboxMessage
	for _, msg := range pendingFor(outbox, "m@x.test") {
		if msg.Subject == "Your organization code request was approved" {
			approvals = append(approvals, msg)
		}
	}
	require.Len(t, approvals, 1)
	assert.Contains(t, approvals[0].Text, first.Code)
}

// barrierOrgStore holds every request lookup until two callers have
// arrived, so both confirms observe the same pending row before either
// gets to transition it.
type barrierOrgStore struct {
	*fakeOrgStore
	arrived chan struct{}
	release chan struct{}
}

func (b *barrierOrgStore) GetOrgCodeRequestByToken(ctx context.Context, token string) (*models.OrgCodeRequest, error) {
	b.arrived <- struct{}{}
	<-b.release
	return b.fakeOrgStore.GetOrgCodeRequestByToken(ctx, token)
}

func TestConcurrentConfirmsMintOneCode(t *testing.T) {
	db := newFakeOrgStore()
	barrier := &barrierOrgStore{
		fakeOrgStore: db,
		arrived:      make(chan struct{}),
		release:      make(chan struct{}),
	}

	store := newQueueStore[models.OrgCodeRequest](t, "org_code_requests.json")
	outbox := newTestOutbox(t, &fakeMailer{})
	svc := NewOrgCodeService(barrier, NewStaticGate(true), store, outbox, reviewerAddr, testLogger())

	outcome, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, ok := svc.ConfirmRequest(context.Background(), outcome.Token)
			if !ok {
				results <- ""
				return
			}
			results <- res.Code
		}()
	}

	// Both confirms are inside the lookup before either can transition.
	<-barrier.arrived
	<-barrier.arrived
	close(barrier.release)

	first := <-results
	second := <-results
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, db.codeCount())

	req, _ := db.request(outcome.Token)
	assert.Equal(t, models.RequestStatusConfirmed, req.Status)
	assert.Equal(t, first, req.OrgCode)

	// Only the winning confirm notifies the requester.
	approvals := 0
	for _, msg := range pendingFor(outbox, "m@x.test") {
		if msg.Subject == "Your organization code request was approved" {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)
}

func TestConfirmRequestUnknownToken(t *testing.T) {
	svc, _, _ := newTestOrgService(t, newFakeOrgStore(), NewStaticGate(true))

	_, ok := svc.ConfirmRequest(context.Background(), "0000000000000000000000000000000000000000")
	assert.False(t, ok)
}

func TestConfirmAndRejectMalformedToken(t *testing.T) {
	db := newFakeOrgStore()
	svc, _, _ := newTestOrgService(t, db, NewStaticGate(true))

	for _, token := range []string{"", "short", "has spaces in it", "semi;colon-0123"} {
		_, ok := svc.ConfirmRequest(context.Background(), token)
		assert.False(t, ok, "confirm %q", token)
		assert.False(t, svc.RejectRequest(context.Background(), token, ""), "reject %q", token)
	}
	assert.Equal(t, 0, db.codeCount())
}

func TestRejectRequest(t *testing.T) {
	db := newFakeOrgStore()
	svc, _, outbox := newTestOrgService(t, db, NewStaticGate(true))

	outcome, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	require.True(t, svc.RejectRequest(context.Background(), outcome.Token, "Not suitable"))

	req, _ := db.request(outcome.Token)
	assert.Equal(t, models.RequestStatusRejected, req.Status)
	assert.Equal(t, "Not suitable", req.Reason)
	assert.Empty(t, req.OrgCode)
	assert.Equal(t, 0, db.codeCount())

	var rejections []models.OutboxMessage
	for _, msg := range pendingFor(outbox, "m@x.test") {
		if msg.Subject == "Your organization code request was declined" {
			rejections = append(rejections, msg)
		}
	}
	require.Len(t, rejections, 1)
	assert.Contains(t, rejections[0].Text, "Not suitable")

	// Rejecting again is a no-op: true, no second notification.
	require.True(t, svc.RejectRequest(context.Background(), outcome.Token, "different reason"))
	req, _ = db.request(outcome.Token)
	assert.Equal(t, "Not suitable", req.Reason)

	count := 0
	for _, msg := range pendingFor(outbox, "m@x.test") {
		if msg.Subject == "Your organization code request was declined" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestTerminalTransitionsAreExclusive(t *testing.T) {
	db := newFakeOrgStore()
	svc, _, _ := newTestOrgService(t, db, NewStaticGate(true))

	t.Run("reject after confirm fails", func(t *testing.T) {
		outcome, err := svc.CreateRequest(context.Background(), instituteInput())
		require.NoError(t, err)

		_, ok := svc.ConfirmRequest(context.Background(), outcome.Token)
		require.True(t, ok)

		assert.False(t, svc.RejectRequest(context.Background(), outcome.Token, "too late"))

		req, _ := db.request(outcome.Token)
		assert.Equal(t, models.RequestStatusConfirmed, req.Status)
		assert.Empty(t, req.Reason)
	})

	t.Run("confirm after reject fails", func(t *testing.T) {
		outcome, err := svc.CreateRequest(context.Background(), instituteInput())
		require.NoError(t, err)

		require.True(t, svc.RejectRequest(context.Background(), outcome.Token, ""))

		_, ok := svc.ConfirmRequest(context.Background(), outcome.Token)
		assert.False(t, ok)

		req, _ := db.request(outcome.Token)
		assert.Equal(t, models.RequestStatusRejected, req.Status)
		assert.Empty(t, req.OrgCode)
	})
}

func TestConfirmRequestOnDiskRecord(t *testing.T) {
	db := newFakeOrgStore()
	gate := NewStaticGate(false)
	svc, store, _ := newTestOrgService(t, db, gate)

	outcome, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)
	require.True(t, outcome.Queued)

	first, ok := svc.ConfirmRequest(context.Background(), outcome.Token)
	require.True(t, ok)
	assert.Regexp(t, codePattern, first.Code)

	// The transition lands on the disk record directly.
	items := store.Load()
	require.Len(t, items, 1)
	assert.Equal(t, models.RequestStatusConfirmed, items[0].Status)
	assert.Equal(t, first.Code, items[0].OrgCode)

	second, ok := svc.ConfirmRequest(context.Background(), outcome.Token)
	require.True(t, ok)
	assert.Equal(t, first.Code, second.Code)
}

func TestReconcileConfirmedDiskRecord(t *testing.T) {
	db := newFakeOrgStore()
	gate := NewStaticGate(false)
	svc, store, _ := newTestOrgService(t, db, gate)

	outcome, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	first, ok := svc.ConfirmRequest(context.Background(), outcome.Token)
	require.True(t, ok)

	gate.SetReachable(true)
	result := svc.ProcessOrgRequestsOnce(context.Background())

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, store.Len())

	req, found := db.request(outcome.Token)
	require.True(t, found)
	assert.Equal(t, models.RequestStatusConfirmed, req.Status)
	assert.Equal(t, first.Code, req.OrgCode)
	assert.Equal(t, 1, db.codeCount())

	// A second pass finds nothing to do and never mints a second code.
	result = svc.ProcessOrgRequestsOnce(context.Background())
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 1, db.codeCount())
}

func TestReconcilePendingDiskRecordInsertsAndRenotifies(t *testing.T) {
	db := newFakeOrgStore()
	gate := NewStaticGate(false)
	svc, store, outbox := newTestOrgService(t, db, gate)

	outcome, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)
	require.Len(t, pendingFor(outbox, reviewerAddr), 1)

	gate.SetReachable(true)
	result := svc.ProcessOrgRequestsOnce(context.Background())

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, store.Len())

	req, found := db.request(outcome.Token)
	require.True(t, found)
	assert.Equal(t, models.RequestStatusPending, req.Status)

	// The reviewer is notified again once the request is live.
	assert.Len(t, pendingFor(outbox, reviewerAddr), 2)
}

func TestReconcilePendingDiskRecordDefersToDatabaseRow(t *testing.T) {
	db := newFakeOrgStore()
	gate := NewStaticGate(false)
	svc, store, _ := newTestOrgService(t, db, gate)

	outcome, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	// The same token was already confirmed on the database side.
	require.NoError(t, db.InsertOrgCodeRequest(context.Background(), &models.OrgCodeRequest{
		ID:              "db-row",
		Token:           outcome.Token,
		ManagementEmail: "m@x.test",
		OrgType:         models.OrgTypeInstitute,
		Status:          models.RequestStatusConfirmed,
		OrgCode:         "AAAAAA",
	}))

	gate.SetReachable(true)
	result := svc.ProcessOrgRequestsOnce(context.Background())

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, store.Len())

	req, _ := db.request(outcome.Token)
	assert.Equal(t, models.RequestStatusConfirmed, req.Status)
	assert.Equal(t, "AAAAAA", req.OrgCode)
}

func TestReconcileKeepsItemsOnDatabaseError(t *testing.T) {
	db := newFakeOrgStore()
	gate := NewStaticGate(false)
	svc, store, _ := newTestOrgService(t, db, gate)

	_, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	gate.SetReachable(true)
	db.setError(fmt.Errorf("database is locked"))

	result := svc.ProcessOrgRequestsOnce(context.Background())
	assert.Equal(t, 0, result.Processed)
	require.Equal(t, 1, store.Len())
	assert.Equal(t, 1, store.Load()[0].Attempts)

	db.setError(nil)
	result = svc.ProcessOrgRequestsOnce(context.Background())
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, store.Len())
}

func TestReconcileDropsItemOnUnrecoverableError(t *testing.T) {
	db := newFakeOrgStore()
	gate := NewStaticGate(false)
	svc, store, _ := newTestOrgService(t, db, gate)

	_, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	gate.SetReachable(true)
	db.setError(apperrors.New(apperrors.ErrCodeInvalidState, "row vetoed"))

	// A failure retrying cannot fix drops the item immediately instead of
	// burning ticks on it.
	result := svc.ProcessOrgRequestsOnce(context.Background())
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 1, result.Dropped)
	assert.Equal(t, 0, store.Len())
}

func TestReconcileSkipsWhenUnreachable(t *testing.T) {
	db := newFakeOrgStore()
	gate := NewStaticGate(false)
	svc, store, _ := newTestOrgService(t, db, gate)

	_, err := svc.CreateRequest(context.Background(), instituteInput())
	require.NoError(t, err)

	result := svc.ProcessOrgRequestsOnce(context.Background())
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 1, store.Len())
}

func TestOrgCodeLifecycleScenario(t *testing.T) {
	db := newFakeOrgStore()
	svc, _, outbox := newTestOrgService(t, db, NewStaticGate(true))

	outcome, err := svc.CreateRequest(context.Background(), OrgCodeRequestInput{
		ManagementEmail: "m@x.test",
		OrgType:         models.OrgTypeInstitute,
		InstituteID:     "inst-7",
	})
	require.NoError(t, err)

	result, ok := svc.ConfirmRequest(context.Background(), outcome.Token)
	require.True(t, ok)
	assert.Regexp(t, codePattern, result.Code)

	found := false
	for _, msg := range pendingFor(outbox, "m@x.test") {
		if msg.Subject == "Your organization code request was approved" {
			assert.Contains(t, msg.Text, result.Code)
			found = true
		}
	}
	assert.True(t, found, "approval notification should carry the literal code")

	require.Equal(t, 1, db.codeCount())
	stored := db.codes[result.Code]
	assert.Equal(t, "inst-7", stored.InstituteID)
	assert.Equal(t, models.OrgTypeInstitute, stored.OrgType)
}
