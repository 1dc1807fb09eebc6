package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

// TriggerStatus is the immediate answer to a manual sync request
type TriggerStatus string

const (
	TriggerAccepted TriggerStatus = "accepted"
	TriggerBusy     TriggerStatus = "busy"
	TriggerStopped  TriggerStatus = "stopped"
)

// TriggerResponse is returned by TriggerManualSync
type TriggerResponse struct {
	Status TriggerStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// StatusResponse is returned by GetSyncStatus
type StatusResponse struct {
	AccountID  string     `json:"account_id"`
	Status     Status     `json:"status"`
	LastSync   *time.Time `json:"last_sync"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	LastResult *Result    `json:"last_result,omitempty"`
}

// ManagerConfig holds sync defaults
type ManagerConfig struct {
	DefaultDays     int
	ManualPageLimit int
	InitialLookback time.Duration
}

// Manager exposes sync operations to the API layer and the scheduler
type Manager struct {
	ctx      context.Context
	runner   *Runner
	accounts AccountLookup
	cfg      ManagerConfig
	logger   logrus.FieldLogger
	wg       gosync.WaitGroup
}

// NewManager creates a sync manager. ctx bounds background passes and is
// expected to live for the whole process
func NewManager(ctx context.Context, runner *Runner, accounts AccountLookup, cfg ManagerConfig, logger logrus.FieldLogger) *Manager {
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = 7
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		ctx:      ctx,
		runner:   runner,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger,
	}
}

func (m *Manager) account(ctx context.Context, accountID string) (mail.Account, error) {
	acct, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return mail.Account{}, fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		return mail.Account{}, mail.NotFound("get account", fmt.Errorf("account %s not found", accountID))
	}
	return *acct, nil
}

// TriggerManualSync starts a bounded pass over the last days and returns
// without waiting for it
func (m *Manager) TriggerManualSync(ctx context.Context, accountID string, days int) (TriggerResponse, error) {
	acct, err := m.account(ctx, accountID)
	if err != nil {
		return TriggerResponse{}, err
	}

	if days <= 0 {
		days = m.cfg.DefaultDays
	}
	opts := Options{
		Since:     m.runner.now().Add(-time.Duration(days) * 24 * time.Hour),
		PageLimit: m.cfg.ManualPageLimit,
	}

	if err := m.runner.Acquire(acct.ID); err != nil {
		if errors.Is(err, ErrStopped) {
			return TriggerResponse{Status: TriggerStopped, Error: err.Error()}, nil
		}
		return TriggerResponse{Status: TriggerBusy, Error: err.Error()}, nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runner.RunLocked(m.ctx, acct, opts)
	}()

	m.logger.WithFields(logrus.Fields{
		"account_id": acct.ID,
		"days":       days,
	}).Info("manual sync accepted")

	return TriggerResponse{Status: TriggerAccepted}, nil
}

// SyncIncremental runs a pass covering everything since the last successful
// sync. The scheduler calls it
func (m *Manager) SyncIncremental(ctx context.Context, accountID string) Result {
	acct, err := m.account(ctx, accountID)
	if err != nil {
		m.logger.WithError(err).WithField("account_id", accountID).Error("scheduled sync skipped")
		return Result{Status: ResultFailed, LastError: err.Error()}
	}

	since := m.runner.now().Add(-m.cfg.InitialLookback)
	if st, ok := m.runner.States.Get(accountID); ok && !st.LastSync.IsZero() {
		since = st.LastSync
	}
	return m.runner.Run(ctx, acct, Options{Since: since})
}

// GetSyncStatus reports the current state of an account
func (m *Manager) GetSyncStatus(accountID string) StatusResponse {
	st, _ := m.runner.States.Get(accountID)
	resp := StatusResponse{
		AccountID:  accountID,
		Status:     st.Status,
		LastError:  st.LastError,
		LastResult: st.LastResult,
	}
	if !st.LastSync.IsZero() {
		t := st.LastSync
		resp.LastSync = &t
	}
	if st.Status == StatusRunning && !st.StartedAt.IsZero() {
		t := st.StartedAt
		resp.StartedAt = &t
	}
	return resp
}

// StopSync disables sync for an account until StartSync is called
func (m *Manager) StopSync(accountID string) error {
	return m.runner.States.Stop(accountID)
}

// StartSync re-enables a stopped account
func (m *Manager) StartSync(accountID string) {
	m.runner.States.Start(accountID)
}

func (m *Manager) client(ctx context.Context, acct mail.Account) (ProviderClient, error) {
	token, err := m.runner.Credentials.Token(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	client, err := m.runner.Providers(ctx, token, acct)
	if err != nil {
		return nil, fmt.Errorf("create provider client: %w", err)
	}
	return client, nil
}

// UpdateLabels applies a label change at the provider and then locally
func (m *Manager) UpdateLabels(ctx context.Context, accountID, messageID string, add, remove []string) (*mail.StoredEmail, error) {
	acct, err := m.account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	client, err := m.client(ctx, acct)
	if err != nil {
		return nil, err
	}
	if err := client.ModifyLabels(ctx, messageID, add, remove); err != nil {
		return nil, fmt.Errorf("modify provider labels: %w", err)
	}
	if err := m.runner.Repo.UpdateLabels(ctx, accountID, messageID, add, remove); err != nil {
		return nil, fmt.Errorf("update stored labels: %w", err)
	}
	return m.runner.Repo.FindByProviderID(ctx, accountID, messageID)
}

// FetchAttachment downloads attachment bytes for a stored message
func (m *Manager) FetchAttachment(ctx context.Context, accountID, messageID, attachmentID string) ([]byte, mail.AttachmentDescriptor, error) {
	acct, err := m.account(ctx, accountID)
	if err != nil {
		return nil, mail.AttachmentDescriptor{}, err
	}

	stored, err := m.runner.Repo.FindByProviderID(ctx, accountID, messageID)
	if err != nil {
		return nil, mail.AttachmentDescriptor{}, err
	}
	if stored == nil {
		return nil, mail.AttachmentDescriptor{}, mail.NotFound("fetch attachment", fmt.Errorf("message %s not found", messageID))
	}
	desc, ok := stored.Attachment(attachmentID)
	if !ok {
		return nil, mail.AttachmentDescriptor{}, mail.NotFound("fetch attachment", fmt.Errorf("attachment %s not found", attachmentID))
	}

	client, err := m.client(ctx, acct)
	if err != nil {
		return nil, mail.AttachmentDescriptor{}, err
	}
	data, err := client.FetchAttachment(ctx, messageID, attachmentID)
	if err != nil {
		return nil, mail.AttachmentDescriptor{}, fmt.Errorf("fetch attachment: %w", err)
	}
	return data, desc, nil
}

// Wait blocks until background passes started by TriggerManualSync return
func (m *Manager) Wait() {
	m.wg.Wait()
}
