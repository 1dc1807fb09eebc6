package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

// EventEmailSynced is the outbox event type written for every upsert
const EventEmailSynced = "email.synced"

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
	Retries int    `db:"retries"`
}

// SyncedEvent is the payload published for downstream analysis
type SyncedEvent struct {
	EventID           string    `json:"event_id"`
	Type              string    `json:"type"`
	EmailID           int64     `json:"email_id"`
	AccountID         string    `json:"account_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id"`
	Subject           string    `json:"subject"`
	From              string    `json:"from"`
	ReceivedAt        time.Time `json:"received_at"`
	Labels            []string  `json:"labels"`
	LastSync          time.Time `json:"last_sync"`
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// SyncedSubject returns the NATS subject for an account's synced events
func SyncedSubject(accountID string) string {
	return fmt.Sprintf("mail.%s.%s", subjectReplacer.Replace(accountID), EventEmailSynced)
}

func appendSyncedEventTx(ctx context.Context, tx *sqlx.Tx, e *mail.StoredEmail, now time.Time) error {
	event := SyncedEvent{
		EventID:           uuid.NewString(),
		Type:              EventEmailSynced,
		EmailID:           e.ID,
		AccountID:         e.AccountID,
		ProviderMessageID: e.ProviderMessageID,
		ThreadID:          e.ThreadID,
		Subject:           e.Subject,
		From:              e.From,
		ReceivedAt:        e.ReceivedAt,
		Labels:            e.Labels,
		LastSync:          e.LastSync,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msgID := fmt.Sprintf("%s|%s|%s|%d", EventEmailSynced, e.AccountID, e.ProviderMessageID, e.LastSync.UnixNano())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), SyncedSubject(e.AccountID), EventEmailSynced, payload, msgID, now.Unix())
	if err != nil {
		return wrapDBError("insert outbox entry", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, wrapDBError("query outbox", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return wrapDBError("mark published", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return wrapDBError("mark retry", err)
	}
	return nil
}

// PurgePublished deletes published outbox rows older than the cutoff
func (s *Store) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?
	`, olderThan.Unix())
	if err != nil {
		return 0, wrapDBError("purge outbox", err)
	}
	return res.RowsAffected()
}
