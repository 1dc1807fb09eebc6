package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/FeiNiaoBF/MailMind/internal/auth"
	"github.com/FeiNiaoBF/MailMind/internal/mail"
	"github.com/FeiNiaoBF/MailMind/internal/scheduler"
	"github.com/FeiNiaoBF/MailMind/internal/store"
	"github.com/FeiNiaoBF/MailMind/internal/sync"
)

type fakeSync struct {
	trigger   sync.TriggerResponse
	days      int
	stopErr   error
	labelsErr error
	stopped   map[string]bool
	attach    []byte
	attachErr error
}

func (f *fakeSync) TriggerManualSync(ctx context.Context, accountID string, days int) (sync.TriggerResponse, error) {
	f.days = days
	return f.trigger, nil
}

func (f *fakeSync) GetSyncStatus(accountID string) sync.StatusResponse {
	status := sync.StatusIdle
	if f.stopped[accountID] {
		status = sync.StatusStopped
	}
	return sync.StatusResponse{AccountID: accountID, Status: status}
}

func (f *fakeSync) StopSync(accountID string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped[accountID] = true
	return nil
}

func (f *fakeSync) StartSync(accountID string) { delete(f.stopped, accountID) }

func (f *fakeSync) UpdateLabels(ctx context.Context, accountID, messageID string, add, remove []string) (*mail.StoredEmail, error) {
	if f.labelsErr != nil {
		return nil, f.labelsErr
	}
	return &mail.StoredEmail{DecodedEmail: mail.DecodedEmail{
		AccountID:         accountID,
		ProviderMessageID: messageID,
		Labels:            mail.ApplyLabelDiff([]string{"INBOX"}, add, remove),
	}}, nil
}

func (f *fakeSync) FetchAttachment(ctx context.Context, accountID, messageID, attachmentID string) ([]byte, mail.AttachmentDescriptor, error) {
	if f.attachErr != nil {
		return nil, mail.AttachmentDescriptor{}, f.attachErr
	}
	return f.attach, mail.AttachmentDescriptor{Filename: "report.pdf", MimeType: "application/pdf", AttachmentID: attachmentID}, nil
}

type noopSyncer struct{}

func (noopSyncer) SyncIncremental(ctx context.Context, accountID string) sync.Result {
	return sync.Result{Status: sync.ResultCompleted}
}

type testEnv struct {
	router *gin.Engine
	store  *store.Store
	sync   *fakeSync
	jobs   *scheduler.Scheduler
	user   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		store: st,
		sync:  &fakeSync{trigger: sync.TriggerResponse{Status: sync.TriggerAccepted}, stopped: map[string]bool{}},
		jobs:  scheduler.New(context.Background(), noopSyncer{}, scheduler.Options{Logger: logger}),
		user:  "alice",
	}
	env.router = NewRouter(Deps{
		Accounts: st,
		Emails:   st,
		Sync:     env.sync,
		Jobs:     env.jobs,
		Health:   st,
		// the acting user comes from a header so tests can switch identities
		Auth: func(c *gin.Context) {
			if id := c.GetHeader("X-Test-User"); id != "" {
				auth.DevMiddleware(id)(c)
			}
		},
		Logger:         logger,
		DefaultTrigger: "interval:300",
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, e.user, method, path, body)
}

func (e *testEnv) doAs(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func (e *testEnv) createAccount(t *testing.T, id string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{
		"id": id, "provider": "google", "email": id + "@example.com",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: %d %s", w.Code, w.Body)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.doAs(t, "", http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	w := env.doAs(t, "", http.MethodGet, "/api/v1/accounts", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAccountsLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"id": "a1", "provider": "yahoo"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad provider = %d", w.Code)
	}

	env.createAccount(t, "a1")

	var listed struct {
		Accounts []mail.Account `json:"accounts"`
	}
	decode(t, env.do(t, http.MethodGet, "/api/v1/accounts", nil), &listed)
	if len(listed.Accounts) != 1 || listed.Accounts[0].OwnerID != "alice" {
		t.Fatalf("accounts = %+v", listed.Accounts)
	}

	// the default trigger scheduled the new account
	jobs := env.jobs.ListJobs()
	if len(jobs) != 1 || jobs[0].AccountID != "a1" || jobs[0].Trigger != "interval:300" {
		t.Fatalf("jobs = %+v", jobs)
	}

	w = env.doAs(t, "mallory", http.MethodPost, "/api/v1/accounts", map[string]string{"id": "a1", "provider": "google"})
	if w.Code != http.StatusConflict {
		t.Fatalf("taken account = %d", w.Code)
	}
	if w := env.doAs(t, "mallory", http.MethodGet, "/api/v1/accounts/a1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign account = %d", w.Code)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/accounts/a1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if len(env.jobs.ListJobs()) != 0 {
		t.Fatal("job should be removed with its account")
	}
	if w := env.do(t, http.MethodGet, "/api/v1/accounts/a1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted account = %d", w.Code)
	}
}

func TestTriggerSync(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "a1")

	w := env.do(t, http.MethodPost, "/api/v1/accounts/a1/sync?days=3", nil)
	if w.Code != http.StatusAccepted || env.sync.days != 3 {
		t.Fatalf("accepted = %d days=%d", w.Code, env.sync.days)
	}

	env.sync.trigger = sync.TriggerResponse{Status: sync.TriggerBusy, Error: "sync already running"}
	if w := env.do(t, http.MethodPost, "/api/v1/accounts/a1/sync", nil); w.Code != http.StatusConflict {
		t.Fatalf("busy = %d", w.Code)
	}
	env.sync.trigger = sync.TriggerResponse{Status: sync.TriggerStopped}
	if w := env.do(t, http.MethodPost, "/api/v1/accounts/a1/sync", nil); w.Code != http.StatusConflict {
		t.Fatalf("stopped = %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/accounts/a1/sync?days=zero", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad days = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/accounts/nope/sync", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown account = %d", w.Code)
	}
}

func TestStopStartSync(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "a1")

	var status sync.StatusResponse
	w := env.do(t, http.MethodPost, "/api/v1/accounts/a1/sync/stop", nil)
	decode(t, w, &status)
	if w.Code != http.StatusOK || status.Status != sync.StatusStopped {
		t.Fatalf("stop = %d %+v", w.Code, status)
	}

	decode(t, env.do(t, http.MethodPost, "/api/v1/accounts/a1/sync/start", nil), &status)
	if status.Status != sync.StatusIdle {
		t.Fatalf("start = %+v", status)
	}

	env.sync.stopErr = sync.ErrBusy
	if w := env.do(t, http.MethodPost, "/api/v1/accounts/a1/sync/stop", nil); w.Code != http.StatusConflict {
		t.Fatalf("stop while running = %d", w.Code)
	}
}

func TestListAndGetEmails(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "a1")

	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := env.store.Upsert(ctx, &mail.DecodedEmail{
			AccountID:         "a1",
			ProviderMessageID: fmt.Sprintf("m%d", i),
			Subject:           fmt.Sprintf("subject %d", i),
			ReceivedAt:        base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	var page struct {
		Emails  []mail.StoredEmail `json:"emails"`
		Page    int                `json:"page"`
		PerPage int                `json:"per_page"`
		Total   int                `json:"total"`
	}
	decode(t, env.do(t, http.MethodGet, "/api/v1/accounts/a1/emails?page=2&per_page=2", nil), &page)
	if page.Total != 3 || page.Page != 2 || len(page.Emails) != 1 || page.Emails[0].ProviderMessageID != "m0" {
		t.Fatalf("page = %+v", page)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/accounts/a1/emails?per_page=-1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad per_page = %d", w.Code)
	}

	var email mail.StoredEmail
	decode(t, env.do(t, http.MethodGet, "/api/v1/accounts/a1/emails/m1", nil), &email)
	if email.Subject != "subject 1" {
		t.Fatalf("email = %+v", email)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/accounts/a1/emails/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing email = %d", w.Code)
	}
}

func TestUpdateLabels(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "a1")

	var email mail.StoredEmail
	w := env.do(t, http.MethodPatch, "/api/v1/accounts/a1/emails/m1/labels", map[string][]string{
		"add": {"STARRED"}, "remove": {"INBOX"},
	})
	decode(t, w, &email)
	if w.Code != http.StatusOK || len(email.Labels) != 1 || email.Labels[0] != "STARRED" {
		t.Fatalf("labels = %d %+v", w.Code, email.Labels)
	}

	if w := env.do(t, http.MethodPatch, "/api/v1/accounts/a1/emails/m1/labels", map[string][]string{}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty diff = %d", w.Code)
	}

	tests := []struct {
		err  error
		want int
	}{
		{mail.NotFound("modify", errors.New("gone")), http.StatusNotFound},
		{mail.Transient("modify", errors.New("503")), http.StatusServiceUnavailable},
		{mail.Fatal("modify", errors.New("401")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		env.sync.labelsErr = tt.err
		w := env.do(t, http.MethodPatch, "/api/v1/accounts/a1/emails/m1/labels", map[string][]string{"add": {"X"}})
		if w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestGetAttachment(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "a1")
	env.sync.attach = []byte("%PDF")

	w := env.do(t, http.MethodGet, "/api/v1/accounts/a1/emails/m1/attachments/att-1", nil)
	if w.Code != http.StatusOK || w.Body.String() != "%PDF" {
		t.Fatalf("attachment = %d %q", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != "attachment; filename=report.pdf" {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	env.sync.attachErr = mail.NotFound("fetch attachment", errors.New("attachment att-2 not found"))
	if w := env.do(t, http.MethodGet, "/api/v1/accounts/a1/emails/m1/attachments/att-2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing attachment = %d", w.Code)
	}
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "a1")
	env.doAs(t, "bob", http.MethodPost, "/api/v1/accounts", map[string]string{"id": "b1", "provider": "microsoft"})

	var created scheduler.Job
	w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{"account": "a1", "trigger": "cron:*/5 * * * *"})
	decode(t, w, &created)
	if w.Code != http.StatusCreated || created.Trigger != "cron:*/5 * * * *" {
		t.Fatalf("create = %d %+v", w.Code, created)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{"account": "a1", "trigger": "every:5"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad trigger = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{"account": "b1"}); w.Code != http.StatusNotFound {
		t.Fatalf("foreign account = %d", w.Code)
	}

	var listed struct {
		Jobs []scheduler.Job `json:"jobs"`
	}
	decode(t, env.do(t, http.MethodGet, "/api/v1/jobs", nil), &listed)
	if len(listed.Jobs) != 1 || listed.Jobs[0].AccountID != "a1" {
		t.Fatalf("alice jobs = %+v", listed.Jobs)
	}

	path := "/api/v1/jobs/" + created.ID
	if w := env.doAs(t, "bob", http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign job = %d", w.Code)
	}

	var job scheduler.Job
	decode(t, env.do(t, http.MethodPost, path+"/pause", nil), &job)
	if !job.Paused {
		t.Fatalf("pause = %+v", job)
	}
	decode(t, env.do(t, http.MethodPost, path+"/resume", nil), &job)
	if job.Paused {
		t.Fatalf("resume = %+v", job)
	}

	decode(t, env.do(t, http.MethodPut, path, map[string]string{"trigger": "interval:60"}), &job)
	if job.Trigger != "interval:60" || job.ID != created.ID {
		t.Fatalf("update = %+v", job)
	}
	if w := env.do(t, http.MethodPut, path, map[string]string{"trigger": "interval:0"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad update = %d", w.Code)
	}

	if w := env.do(t, http.MethodDelete, path, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted job = %d", w.Code)
	}
}
