package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

type emailRow struct {
	ID                int64  `db:"id"`
	AccountID         string `db:"account_id"`
	ProviderMessageID string `db:"provider_message_id"`
	ThreadID          string `db:"thread_id"`
	Subject           string `db:"subject"`
	From              string `db:"from_header"`
	To                string `db:"to_header"`
	Body              string `db:"body"`
	HTMLBody          string `db:"html_body"`
	Attachments       string `db:"attachments_json"`
	Labels            string `db:"labels_json"`
	Headers           string `db:"headers_json"`
	Size              int64  `db:"size"`
	ReceivedAt        int64  `db:"received_at"`
	CreatedAt         int64  `db:"created_at"`
	LastSync          int64  `db:"last_sync"`
}

const emailColumns = `id, account_id, provider_message_id, thread_id, subject, from_header, to_header,
	body, html_body, attachments_json, labels_json, headers_json, size, received_at, created_at, last_sync`

func newEmailRow(e *mail.DecodedEmail) (emailRow, error) {
	attachments := e.Attachments
	if attachments == nil {
		attachments = []mail.AttachmentDescriptor{}
	}
	labels := e.Labels
	if labels == nil {
		labels = []string{}
	}
	headers := e.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return emailRow{}, fmt.Errorf("marshaling attachments: %w", err)
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return emailRow{}, fmt.Errorf("marshaling labels: %w", err)
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return emailRow{}, fmt.Errorf("marshaling headers: %w", err)
	}

	return emailRow{
		AccountID:         e.AccountID,
		ProviderMessageID: e.ProviderMessageID,
		ThreadID:          e.ThreadID,
		Subject:           e.Subject,
		From:              e.From,
		To:                e.To,
		Body:              e.Body,
		HTMLBody:          e.HTMLBody,
		Attachments:       string(attJSON),
		Labels:            string(labelsJSON),
		Headers:           string(headersJSON),
		Size:              e.Size,
		ReceivedAt:        toNanos(e.ReceivedAt),
	}, nil
}

func (r emailRow) stored() (*mail.StoredEmail, error) {
	s := &mail.StoredEmail{
		ID: r.ID,
		DecodedEmail: mail.DecodedEmail{
			AccountID:         r.AccountID,
			ProviderMessageID: r.ProviderMessageID,
			ThreadID:          r.ThreadID,
			Subject:           r.Subject,
			From:              r.From,
			To:                r.To,
			Body:              r.Body,
			HTMLBody:          r.HTMLBody,
			Size:              r.Size,
			ReceivedAt:        fromNanos(r.ReceivedAt),
		},
		CreatedAt: fromNanos(r.CreatedAt),
		LastSync:  fromNanos(r.LastSync),
	}
	if err := json.Unmarshal([]byte(r.Attachments), &s.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshaling attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Labels), &s.Labels); err != nil {
		return nil, fmt.Errorf("unmarshaling labels: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Headers), &s.Headers); err != nil {
		return nil, fmt.Errorf("unmarshaling headers: %w", err)
	}
	return s, nil
}

// Upsert inserts the email or fully overwrites the stored copy. Losing an
// insert race to another writer returns mail.ErrConflict
func (s *Store) Upsert(ctx context.Context, e *mail.DecodedEmail) (*mail.StoredEmail, error) {
	row, err := newEmailRow(e)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, beginError("begin upsert", err)
	}
	defer tx.Rollback()

	now := s.now()
	row.LastSync = now.UnixNano()

	var existing struct {
		ID        int64 `db:"id"`
		CreatedAt int64 `db:"created_at"`
	}
	err = tx.GetContext(ctx, &existing, `
		SELECT id, created_at FROM emails WHERE account_id = ? AND provider_message_id = ?
	`, row.AccountID, row.ProviderMessageID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		row.CreatedAt = row.LastSync
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO emails (account_id, provider_message_id, thread_id, subject, from_header, to_header,
				body, html_body, attachments_json, labels_json, headers_json, size, received_at, created_at, last_sync)
			VALUES (:account_id, :provider_message_id, :thread_id, :subject, :from_header, :to_header,
				:body, :html_body, :attachments_json, :labels_json, :headers_json, :size, :received_at, :created_at, :last_sync)
		`, row)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("insert email %s: %w", row.ProviderMessageID, mail.ErrConflict)
			}
			return nil, wrapDBError("insert email", err)
		}
		if row.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("insert email id: %w", err)
		}
	case err != nil:
		return nil, wrapDBError("lookup email", err)
	default:
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		_, err := tx.NamedExecContext(ctx, `
			UPDATE emails SET
				thread_id = :thread_id,
				subject = :subject,
				from_header = :from_header,
				to_header = :to_header,
				body = :body,
				html_body = :html_body,
				attachments_json = :attachments_json,
				labels_json = :labels_json,
				headers_json = :headers_json,
				size = :size,
				received_at = :received_at,
				last_sync = :last_sync
			WHERE id = :id
		`, row)
		if err != nil {
			return nil, wrapDBError("update email", err)
		}
	}

	stored, err := row.stored()
	if err != nil {
		return nil, err
	}

	if s.outbox {
		if err := appendSyncedEventTx(ctx, tx, stored, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBError("commit upsert", err)
	}
	return stored, nil
}

// UpdateLabels applies a label diff to a stored email
func (s *Store) UpdateLabels(ctx context.Context, accountID, messageID string, add, remove []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return beginError("begin update labels", err)
	}
	defer tx.Rollback()

	var labelsJSON string
	err = tx.GetContext(ctx, &labelsJSON, `
		SELECT labels_json FROM emails WHERE account_id = ? AND provider_message_id = ?
	`, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return mail.NotFound("update labels", fmt.Errorf("message %s not stored", messageID))
	}
	if err != nil {
		return wrapDBError("load labels", err)
	}

	var current []string
	if err := json.Unmarshal([]byte(labelsJSON), &current); err != nil {
		return fmt.Errorf("unmarshaling labels: %w", err)
	}
	updated, err := json.Marshal(mail.ApplyLabelDiff(current, add, remove))
	if err != nil {
		return fmt.Errorf("marshaling labels: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE emails SET labels_json = ? WHERE account_id = ? AND provider_message_id = ?
	`, string(updated), accountID, messageID); err != nil {
		return wrapDBError("update labels", err)
	}
	return tx.Commit()
}

// FindByProviderID returns the stored email or nil if it does not exist
func (s *Store) FindByProviderID(ctx context.Context, accountID, messageID string) (*mail.StoredEmail, error) {
	return findEmail(ctx, s.db, accountID, messageID)
}

func findEmail(ctx context.Context, q sqlx.QueryerContext, accountID, messageID string) (*mail.StoredEmail, error) {
	var row emailRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+emailColumns+`
		FROM emails WHERE account_id = ? AND provider_message_id = ?
	`, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("find email", err)
	}
	return row.stored()
}

// ListEmails lists stored emails of an account, newest first
func (s *Store) ListEmails(ctx context.Context, accountID string, limit, offset int) ([]mail.StoredEmail, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var rows []emailRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+emailColumns+`
		FROM emails WHERE account_id = ?
		ORDER BY received_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, accountID, limit, offset)
	if err != nil {
		return nil, wrapDBError("list emails", err)
	}

	emails := make([]mail.StoredEmail, 0, len(rows))
	for _, r := range rows {
		e, err := r.stored()
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, nil
}

// CountEmails counts stored emails of an account
func (s *Store) CountEmails(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails WHERE account_id = ?`, accountID); err != nil {
		return 0, wrapDBError("count emails", err)
	}
	return n, nil
}
