package sync

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeCreds struct {
	err error
}

func (f fakeCreds) Token(ctx context.Context, account mail.Account) (*oauth2.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "tok-" + account.ID}, nil
}

type fakeProvider struct {
	mu       gosync.Mutex
	pages    [][]string
	listErr  error
	fetchErr map[string]error

	// when set, ListMessageIDs signals listing and waits for release
	listing chan struct{}
	release chan struct{}

	listCalls  int
	fetched    []string
	sinces     []time.Time
	modified   map[string][2][]string
	attachment []byte
}

func newFakeProvider(pages ...[]string) *fakeProvider {
	return &fakeProvider{
		pages:    pages,
		fetchErr: make(map[string]error),
		modified: make(map[string][2][]string),
	}
}

func (f *fakeProvider) ListMessageIDs(ctx context.Context, since time.Time, pageToken string) (Page, error) {
	f.mu.Lock()
	f.listCalls++
	f.sinces = append(f.sinces, since)
	listing, release := f.listing, f.release
	f.mu.Unlock()

	if listing != nil {
		listing <- struct{}{}
		<-release
	}
	if f.listErr != nil {
		return Page{}, f.listErr
	}

	idx := 0
	if pageToken != "" {
		idx, _ = strconv.Atoi(pageToken)
	}
	if idx >= len(f.pages) {
		return Page{}, nil
	}
	page := Page{IDs: f.pages[idx]}
	if idx+1 < len(f.pages) {
		page.NextPageToken = strconv.Itoa(idx + 1)
	}
	return page, nil
}

func (f *fakeProvider) FetchMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, id)
	err := f.fetchErr[id]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &mail.RawMessage{
		ID:       id,
		LabelIDs: []string{"INBOX"},
		Headers: []mail.Header{
			{Name: "Subject", Value: "subject " + id},
			{Name: "Date", Value: "Mon, 1 Jan 2024 10:00:00 +0000"},
		},
		Payload: mail.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []mail.MessagePart{
				{MimeType: "text/plain", Data: base64.RawURLEncoding.EncodeToString([]byte("body " + id))},
				{MimeType: "application/pdf", Filename: "f.pdf", AttachmentID: "att-" + id, Size: 3},
			},
		},
	}, nil
}

func (f *fakeProvider) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified[id] = [2][]string{add, remove}
	return nil
}

func (f *fakeProvider) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return f.attachment, nil
}

type factoryCounter struct {
	mu       gosync.Mutex
	calls    int
	provider *fakeProvider
	err      error
}

func (c *factoryCounter) factory(ctx context.Context, token *oauth2.Token, account mail.Account) (ProviderClient, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.provider, nil
}

func (c *factoryCounter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type memRepo struct {
	mu        gosync.Mutex
	emails    map[string]*mail.StoredEmail
	conflicts map[string]int
	upsertErr map[string]error
	upserts   map[string]int
	nextID    int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		emails:    make(map[string]*mail.StoredEmail),
		conflicts: make(map[string]int),
		upsertErr: make(map[string]error),
		upserts:   make(map[string]int),
	}
}

func repoKey(account, id string) string { return account + "/" + id }

func (r *memRepo) Upsert(ctx context.Context, e *mail.DecodedEmail) (*mail.StoredEmail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upserts[e.ProviderMessageID]++
	if err := r.upsertErr[e.ProviderMessageID]; err != nil {
		return nil, err
	}
	if r.conflicts[e.ProviderMessageID] > 0 {
		r.conflicts[e.ProviderMessageID]--
		return nil, fmt.Errorf("insert: %w", mail.ErrConflict)
	}

	k := repoKey(e.AccountID, e.ProviderMessageID)
	now := time.Now()
	if cur, ok := r.emails[k]; ok {
		cur.DecodedEmail = *e
		cur.LastSync = now
		cp := *cur
		return &cp, nil
	}
	r.nextID++
	s := &mail.StoredEmail{ID: r.nextID, DecodedEmail: *e, CreatedAt: now, LastSync: now}
	r.emails[k] = s
	cp := *s
	return &cp, nil
}

func (r *memRepo) UpdateLabels(ctx context.Context, accountID, messageID string, add, remove []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.emails[repoKey(accountID, messageID)]
	if !ok {
		return mail.NotFound("update labels", fmt.Errorf("message %s", messageID))
	}
	cur.Labels = mail.ApplyLabelDiff(cur.Labels, add, remove)
	return nil
}

func (r *memRepo) FindByProviderID(ctx context.Context, accountID, messageID string) (*mail.StoredEmail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.emails[repoKey(accountID, messageID)]
	if !ok {
		return nil, nil
	}
	cp := *cur
	return &cp, nil
}

func (r *memRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.emails)
}

type accountMap map[string]mail.Account

func (m accountMap) GetAccount(ctx context.Context, id string) (*mail.Account, error) {
	a, ok := m[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func newTestRunner(p *fakeProvider) (*Runner, *factoryCounter, *memRepo) {
	fc := &factoryCounter{provider: p}
	repo := newMemRepo()
	r := &Runner{
		Credentials: fakeCreds{},
		Providers:   fc.factory,
		Repo:        repo,
		States:      NewStateStore(),
		Logger:      discardLogger(),
	}
	return r, fc, repo
}
