package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	apperrors "edunexus/internal/errors"
	"edunexus/internal/models"
	"edunexus/internal/queue"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newQueueStore[T any](t *testing.T, name string) *queue.Store[T] {
	t.Helper()
	store, err := queue.NewStore[T](filepath.Join(t.TempDir(), name), testLogger())
	require.NoError(t, err)
	return store
}

type sentMail struct {
	To      string
	Subject string
	Text    string
}

// fakeMailer records deliveries and can be told to fail, globally or per
// recipient.
type fakeMailer struct {
	mu     sync.Mutex
	sent   []sentMail
	err    error
	failTo map[string]error
	onSend func(to string)
}

func (m *fakeMailer) SendEmail(ctx context.Context, to, subject, text string) error {
	m.mu.Lock()
	hook := m.onSend
	if m.err != nil {
		m.mu.Unlock()
		return m.err
	}
	if err, ok := m.failTo[to]; ok {
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Text: text})
	m.mu.Unlock()
	if hook != nil {
		hook(to)
	}
	return nil
}

func (m *fakeMailer) sentTo(to string) []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMail
	for _, s := range m.sent {
		if s.To == to {
			out = append(out, s)
		}
	}
	return out
}

func (m *fakeMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// fakeUserStore is an in-memory user table keyed by email.
type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]models.QueuedSignup
	err   error
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]models.QueuedSignup)}
}

func (f *fakeUserStore) InsertUserIfAbsent(ctx context.Context, signup *models.QueuedSignup) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, exists := f.users[signup.Email]; exists {
		return false, nil
	}
	f.users[signup.Email] = *signup
	return true, nil
}

func (f *fakeUserStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

func (f *fakeUserStore) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeOrgStore is an in-memory stand-in for the org-code request and code
// tables, keyed the same way the real schema is: requests by token, codes
// by code value.
type fakeOrgStore struct {
	mu       sync.Mutex
	requests map[string]models.OrgCodeRequest
	codes    map[string]models.OrgCode
	err      error
}

func newFakeOrgStore() *fakeOrgStore {
	return &fakeOrgStore{
		requests: make(map[string]models.OrgCodeRequest),
		codes:    make(map[string]models.OrgCode),
	}
}

func (f *fakeOrgStore) GetOrgCodeRequestByToken(ctx context.Context, token string) (*models.OrgCodeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	req, ok := f.requests[token]
	if !ok {
		return nil, nil
	}
	found := req
	return &found, nil
}

func (f *fakeOrgStore) InsertOrgCodeRequest(ctx context.Context, req *models.OrgCodeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests[req.Token] = *req
	return nil
}

func (f *fakeOrgStore) UpdateOrgCodeRequest(ctx context.Context, token string, status models.RequestStatus, orgCode, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	req, ok := f.requests[token]
	if !ok || req.Status != models.RequestStatusPending {
		return false, nil
	}
	req.Status = status
	req.OrgCode = orgCode
	req.Reason = reason
	f.requests[token] = req
	return true, nil
}

func (f *fakeOrgStore) ConfirmOrgCodeRequest(ctx context.Context, token string, code *models.OrgCode) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	req, ok := f.requests[token]
	if !ok {
		return "", false, nil
	}
	switch req.Status {
	case models.RequestStatusConfirmed:
		return req.OrgCode, false, nil
	case models.RequestStatusRejected:
		return "", false, nil
	}
	if _, exists := f.codes[code.Code]; exists {
		return "", false, apperrors.New(apperrors.ErrCodeDuplicate, "org code value already taken")
	}
	code.ID = int64(len(f.codes) + 1)
	f.codes[code.Code] = *code
	req.Status = models.RequestStatusConfirmed
	req.OrgCode = code.Code
	f.requests[token] = req
	return code.Code, true, nil
}

func (f *fakeOrgStore) UpsertOrgCodeRequestByToken(ctx context.Context, req *models.OrgCodeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests[req.Token] = *req
	return nil
}

func (f *fakeOrgStore) InsertOrgCodeIfAbsent(ctx context.Context, code *models.OrgCode) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, exists := f.codes[code.Code]; exists {
		return false, nil
	}
	code.ID = int64(len(f.codes) + 1)
	f.codes[code.Code] = *code
	return true, nil
}

func (f *fakeOrgStore) ListOrgCodes(ctx context.Context) ([]models.OrgCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.OrgCode, 0, len(f.codes))
	for _, code := range f.codes {
		out = append(out, code)
	}
	return out, nil
}

func (f *fakeOrgStore) request(token string) (models.OrgCodeRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[token]
	return req, ok
}

func (f *fakeOrgStore) codeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}

func (f *fakeOrgStore) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}
