// Package api exposes accounts, sync control, stored emails and scheduler
// jobs over HTTP
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/FeiNiaoBF/MailMind/internal/logging"
	"github.com/FeiNiaoBF/MailMind/internal/mail"
	"github.com/FeiNiaoBF/MailMind/internal/scheduler"
	"github.com/FeiNiaoBF/MailMind/internal/store"
	"github.com/FeiNiaoBF/MailMind/internal/sync"
)

// Accounts stores account registrations
type Accounts interface {
	UpsertAccount(ctx context.Context, a mail.Account) (*mail.Account, error)
	GetAccount(ctx context.Context, id string) (*mail.Account, error)
	ListAccounts(ctx context.Context, ownerID string) ([]mail.Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

// Emails reads stored emails
type Emails interface {
	ListEmails(ctx context.Context, accountID string, limit, offset int) ([]mail.StoredEmail, error)
	CountEmails(ctx context.Context, accountID string) (int, error)
	FindByProviderID(ctx context.Context, accountID, messageID string) (*mail.StoredEmail, error)
}

// SyncService is the sync control surface
type SyncService interface {
	TriggerManualSync(ctx context.Context, accountID string, days int) (sync.TriggerResponse, error)
	GetSyncStatus(accountID string) sync.StatusResponse
	StopSync(accountID string) error
	StartSync(accountID string)
	UpdateLabels(ctx context.Context, accountID, messageID string, add, remove []string) (*mail.StoredEmail, error)
	FetchAttachment(ctx context.Context, accountID, messageID, attachmentID string) ([]byte, mail.AttachmentDescriptor, error)
}

// Jobs manages scheduled syncs
type Jobs interface {
	CreateJob(accountID, trigger string) (scheduler.Job, error)
	UpdateJob(id, trigger string) (scheduler.Job, error)
	PauseJob(id string) (scheduler.Job, error)
	ResumeJob(id string) (scheduler.Job, error)
	RemoveJob(id string) error
	GetJob(id string) (scheduler.Job, error)
	ListJobs() []scheduler.Job
}

// Pinger reports backend health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the handlers to their backends
type Deps struct {
	Accounts Accounts
	Emails   Emails
	Sync     SyncService
	Jobs     Jobs
	Health   Pinger
	// Auth authenticates /api/v1 requests and stores the user in the context
	Auth   gin.HandlerFunc
	Logger logrus.FieldLogger
	// DefaultTrigger schedules newly registered accounts; empty disables it
	DefaultTrigger string
}

type handler struct {
	Deps
}

// NewRouter builds the HTTP API
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(d.Logger))

	r.GET("/healthz", h.health)

	v1 := r.Group("/api/v1")
	if d.Auth != nil {
		v1.Use(d.Auth)
	}
	v1.Use(requireUser)

	v1.GET("/accounts", h.listAccounts)
	v1.POST("/accounts", h.createAccount)

	acct := v1.Group("/accounts/:account", h.ownAccount)
	acct.GET("", h.getAccount)
	acct.DELETE("", h.deleteAccount)
	acct.POST("/sync", h.triggerSync)
	acct.GET("/sync", h.syncStatus)
	acct.POST("/sync/stop", h.stopSync)
	acct.POST("/sync/start", h.startSync)
	acct.GET("/emails", h.listEmails)
	acct.GET("/emails/:messageId", h.getEmail)
	acct.PATCH("/emails/:messageId/labels", h.updateLabels)
	acct.GET("/emails/:messageId/attachments/:attachmentId", h.getAttachment)

	v1.GET("/jobs", h.listJobs)
	v1.POST("/jobs", h.createJob)
	job := v1.Group("/jobs/:id", h.ownJob)
	job.GET("", h.getJob)
	job.PUT("", h.updateJob)
	job.DELETE("", h.removeJob)
	job.POST("/pause", h.pauseJob)
	job.POST("/resume", h.resumeJob)

	return r
}

// writeError maps domain errors onto HTTP statuses
func (h *handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound), mail.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidTrigger):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrAccountTaken), errors.Is(err, mail.ErrConflict), errors.Is(err, sync.ErrBusy):
		status = http.StatusConflict
	case mail.KindOf(err) == mail.KindTransient:
		status = http.StatusServiceUnavailable
	case mail.IsFatal(err):
		status = http.StatusBadGateway
	}

	if status >= 500 {
		h.Logger.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
	}
	c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
