package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mail.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEmail(id string) *mail.DecodedEmail {
	return &mail.DecodedEmail{
		AccountID:         "acct-1",
		ProviderMessageID: id,
		ThreadID:          "t-" + id,
		Subject:           "Hi",
		From:              "a@x",
		To:                "b@y",
		Body:              "Hello",
		Labels:            []string{"INBOX"},
		Headers:           map[string]string{"Subject": "Hi"},
		Attachments: []mail.AttachmentDescriptor{
			{PartID: "1", Filename: "f.pdf", MimeType: "application/pdf", Size: 3, AttachmentID: "att"},
		},
		Size:       42,
		ReceivedAt: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestUpsertInsertsThenOverwrites(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return clock }))

	first, err := s.Upsert(ctx, sampleEmail("m1"))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if first.ID == 0 || !first.CreatedAt.Equal(clock) || !first.LastSync.Equal(clock) {
		t.Fatalf("first = %+v", first)
	}

	clock = clock.Add(time.Hour)
	changed := sampleEmail("m1")
	changed.Subject = "Changed"
	changed.Labels = []string{"INBOX", "STARRED"}
	second, err := s.Upsert(ctx, changed)
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("ID changed %d -> %d", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed to %v", second.CreatedAt)
	}
	if !second.LastSync.Equal(clock) {
		t.Fatalf("LastSync = %v, want %v", second.LastSync, clock)
	}

	got, err := s.FindByProviderID(ctx, "acct-1", "m1")
	if err != nil || got == nil {
		t.Fatalf("FindByProviderID: %v %v", got, err)
	}
	if got.Subject != "Changed" || len(got.Labels) != 2 {
		t.Fatalf("stored = %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "f.pdf" {
		t.Fatalf("attachments = %+v", got.Attachments)
	}
	if !got.ReceivedAt.Equal(changed.ReceivedAt) {
		t.Fatalf("ReceivedAt = %v", got.ReceivedAt)
	}

	n, err := s.CountEmails(ctx, "acct-1")
	if err != nil || n != 1 {
		t.Fatalf("CountEmails = %d, %v", n, err)
	}
}

func TestUpsertSameContentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Upsert(ctx, sampleEmail("m1")); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
	if n, _ := s.CountEmails(ctx, "acct-1"); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestConcurrentUpsertsOfSameKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Upsert(ctx, sampleEmail("same"))
			if err != nil && !errors.Is(err, mail.ErrConflict) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Upsert: %v", err)
	}

	if n, _ := s.CountEmails(ctx, "acct-1"); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestFindByProviderIDMissing(t *testing.T) {
	s := openTestStore(t)
	got, err := s.FindByProviderID(context.Background(), "acct-1", "nope")
	if err != nil || got != nil {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestUpdateLabels(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.Upsert(ctx, sampleEmail("m1")); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateLabels(ctx, "acct-1", "m1", []string{"STARRED", "INBOX"}, []string{"INBOX"}); err != nil {
		t.Fatalf("UpdateLabels: %v", err)
	}
	got, _ := s.FindByProviderID(ctx, "acct-1", "m1")
	if len(got.Labels) != 1 || got.Labels[0] != "STARRED" {
		t.Fatalf("Labels = %v", got.Labels)
	}

	err := s.UpdateLabels(ctx, "acct-1", "missing", []string{"X"}, nil)
	if !mail.IsNotFound(err) {
		t.Fatalf("missing message err = %v", err)
	}
}

func TestListEmailsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := sampleEmail(fmt.Sprintf("m%d", i))
		e.ReceivedAt = base.Add(time.Duration(i) * time.Hour)
		if _, err := s.Upsert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	other := sampleEmail("x")
	other.AccountID = "acct-2"
	if _, err := s.Upsert(ctx, other); err != nil {
		t.Fatal(err)
	}

	page, err := s.ListEmails(ctx, "acct-1", 2, 1)
	if err != nil {
		t.Fatalf("ListEmails: %v", err)
	}
	if len(page) != 2 || page[0].ProviderMessageID != "m3" || page[1].ProviderMessageID != "m2" {
		t.Fatalf("page = %v", ids(page))
	}
}

func ids(emails []mail.StoredEmail) []string {
	out := make([]string, len(emails))
	for i, e := range emails {
		out[i] = e.ProviderMessageID
	}
	return out
}

func TestAccountsOwnership(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a := mail.Account{ID: "acct-1", OwnerID: "alice", Provider: mail.ProviderGoogle, Email: "a@x"}
	got, err := s.UpsertAccount(ctx, a)
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if got.OwnerID != "alice" || got.CreatedAt.IsZero() {
		t.Fatalf("account = %+v", got)
	}

	a.Email = "new@x"
	if got, err = s.UpsertAccount(ctx, a); err != nil || got.Email != "new@x" {
		t.Fatalf("update = %+v, %v", got, err)
	}

	stolen := a
	stolen.OwnerID = "mallory"
	if _, err := s.UpsertAccount(ctx, stolen); !errors.Is(err, ErrAccountTaken) {
		t.Fatalf("err = %v, want ErrAccountTaken", err)
	}

	list, err := s.ListAccounts(ctx, "alice")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListAccounts = %v, %v", list, err)
	}

	if _, err := s.Upsert(ctx, sampleEmail("m1")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if acct, _ := s.GetAccount(ctx, "acct-1"); acct != nil {
		t.Fatalf("account still present: %+v", acct)
	}
	if n, _ := s.CountEmails(ctx, "acct-1"); n != 0 {
		t.Fatalf("emails left = %d", n)
	}
}

func TestAllAccountsSpansOwners(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i, owner := range []string{"alice", "bob", "alice"} {
		a := mail.Account{
			ID:        fmt.Sprintf("acct-%d", i),
			OwnerID:   owner,
			Provider:  mail.ProviderGoogle,
			CreatedAt: time.Date(2025, 1, 1, i, 0, 0, 0, time.UTC),
		}
		if _, err := s.UpsertAccount(ctx, a); err != nil {
			t.Fatalf("UpsertAccount: %v", err)
		}
	}

	all, err := s.AllAccounts(ctx)
	if err != nil {
		t.Fatalf("AllAccounts: %v", err)
	}
	var ids []string
	for _, a := range all {
		ids = append(ids, a.ID)
	}
	if fmt.Sprint(ids) != "[acct-0 acct-1 acct-2]" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestBeginOnLockedDatabaseIsTransient(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mail.db")

	holder, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer holder.Close()

	tx, err := holder.db.BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTxx: %v", err)
	}
	defer tx.Rollback()

	// a second handle that gives up on the write lock at once
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(0)&_txlock=immediate")
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	defer db.Close()
	blocked := &Store{db: db, now: time.Now}

	tests := []struct {
		name string
		call func() error
	}{
		{"upsert", func() error { _, err := blocked.Upsert(ctx, sampleEmail("m1")); return err }},
		{"update labels", func() error { return blocked.UpdateLabels(ctx, "acct-1", "m1", []string{"INBOX"}, nil) }},
		{"delete account", func() error { return blocked.DeleteAccount(ctx, "acct-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if err == nil {
				t.Fatal("expected an error while the write lock is held")
			}
			if kind := mail.KindOf(err); kind != mail.KindTransient {
				t.Fatalf("kind = %v, want transient (err = %v)", kind, err)
			}
		})
	}
}

func TestOutboxWrittenWithUpsert(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithOutbox(), WithClock(func() time.Time { return clock }))

	if _, err := s.Upsert(ctx, sampleEmail("m1")); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("outbox = %d rows", len(msgs))
	}
	msg := msgs[0]
	if msg.Subject != "mail.acct-1.email.synced" {
		t.Fatalf("Subject = %q", msg.Subject)
	}
	if want := fmt.Sprintf("email.synced|acct-1|m1|%d", clock.UnixNano()); msg.MsgID != want {
		t.Fatalf("MsgID = %q, want %q", msg.MsgID, want)
	}

	var ev SyncedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Type != EventEmailSynced || ev.ProviderMessageID != "m1" || ev.EventID == "" {
		t.Fatalf("event = %+v", ev)
	}

	if err := s.MarkOutboxRetry(ctx, msg.ID, time.Minute); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := s.DequeueOutbox(ctx, 10); len(msgs) != 0 {
		t.Fatalf("retry not deferred: %d rows", len(msgs))
	}

	clock = clock.Add(2 * time.Minute)
	msgs, _ = s.DequeueOutbox(ctx, 10)
	if len(msgs) != 1 || msgs[0].Retries != 1 {
		t.Fatalf("after backoff = %+v", msgs)
	}

	if err := s.MarkPublished(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := s.DequeueOutbox(ctx, 10); len(msgs) != 0 {
		t.Fatalf("published row dequeued again")
	}

	n, err := s.PurgePublished(ctx, clock.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("PurgePublished = %d, %v", n, err)
	}
}

func TestOutboxDisabledByDefault(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.Upsert(ctx, sampleEmail("m1")); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := s.DequeueOutbox(ctx, 10); len(msgs) != 0 {
		t.Fatalf("outbox = %d rows", len(msgs))
	}
}

func TestSyncedSubjectSanitizes(t *testing.T) {
	if got := SyncedSubject("a.b*c>d e"); got != "mail.a_b_c_d_e.email.synced" {
		t.Fatalf("SyncedSubject = %q", got)
	}
}
