package api

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/FeiNiaoBF/MailMind/internal/auth"
	"github.com/FeiNiaoBF/MailMind/internal/mail"
	"github.com/FeiNiaoBF/MailMind/internal/scheduler"
	"github.com/FeiNiaoBF/MailMind/internal/sync"
)

const (
	accountKey = "api.account"
	jobKey     = "api.job"

	defaultPerPage = 20
	maxPerPage     = 100
)

func requireUser(c *gin.Context) {
	if _, ok := auth.UserFromContext(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.Next()
}

func currentUser(c *gin.Context) *auth.User {
	user, _ := auth.UserFromContext(c)
	return user
}

func (h *handler) health(c *gin.Context) {
	if h.Health != nil {
		if err := h.Health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ownAccount loads :account and hides accounts of other owners behind 404
func (h *handler) ownAccount(c *gin.Context) {
	id := c.Param("account")
	acct, err := h.Accounts.GetAccount(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if acct == nil || acct.OwnerID != currentUser(c).ID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("account %s not found", id)})
		return
	}
	c.Set(accountKey, acct)
	c.Next()
}

func accountFrom(c *gin.Context) *mail.Account {
	return c.MustGet(accountKey).(*mail.Account)
}

type createAccountRequest struct {
	ID       string `json:"id" binding:"required"`
	Provider string `json:"provider" binding:"required"`
	Email    string `json:"email"`
}

func (h *handler) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	provider := mail.ProviderName(req.Provider)
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported provider %q", req.Provider)})
		return
	}

	acct, err := h.Accounts.UpsertAccount(c.Request.Context(), mail.Account{
		ID:       req.ID,
		OwnerID:  currentUser(c).ID,
		Provider: provider,
		Email:    req.Email,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	if h.DefaultTrigger != "" && h.Jobs != nil && h.jobForAccount(acct.ID) == nil {
		if _, err := h.Jobs.CreateJob(acct.ID, h.DefaultTrigger); err != nil {
			h.Logger.WithError(err).WithField("account_id", acct.ID).Warn("default job not scheduled")
		}
	}

	c.JSON(http.StatusCreated, acct)
}

func (h *handler) listAccounts(c *gin.Context) {
	accounts, err := h.Accounts.ListAccounts(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *handler) getAccount(c *gin.Context) {
	c.JSON(http.StatusOK, accountFrom(c))
}

func (h *handler) deleteAccount(c *gin.Context) {
	acct := accountFrom(c)
	if j := h.jobForAccount(acct.ID); j != nil {
		if err := h.Jobs.RemoveJob(j.ID); err != nil {
			h.writeError(c, err)
			return
		}
	}
	if err := h.Accounts.DeleteAccount(c.Request.Context(), acct.ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) triggerSync(c *gin.Context) {
	days := 0
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = n
	}

	resp, err := h.Sync.TriggerManualSync(c.Request.Context(), accountFrom(c).ID, days)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if resp.Status != sync.TriggerAccepted {
		c.JSON(http.StatusConflict, resp)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *handler) syncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Sync.GetSyncStatus(accountFrom(c).ID))
}

func (h *handler) stopSync(c *gin.Context) {
	id := accountFrom(c).ID
	if err := h.Sync.StopSync(id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Sync.GetSyncStatus(id))
}

func (h *handler) startSync(c *gin.Context) {
	id := accountFrom(c).ID
	h.Sync.StartSync(id)
	c.JSON(http.StatusOK, h.Sync.GetSyncStatus(id))
}

func positiveQuery(c *gin.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func (h *handler) listEmails(c *gin.Context) {
	page, err := positiveQuery(c, "page", 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	perPage, err := positiveQuery(c, "per_page", defaultPerPage)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	perPage = min(perPage, maxPerPage)

	ctx := c.Request.Context()
	id := accountFrom(c).ID
	emails, err := h.Emails.ListEmails(ctx, id, perPage, (page-1)*perPage)
	if err != nil {
		h.writeError(c, err)
		return
	}
	total, err := h.Emails.CountEmails(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"emails":   emails,
		"page":     page,
		"per_page": perPage,
		"total":    total,
	})
}

func (h *handler) getEmail(c *gin.Context) {
	msgID := c.Param("messageId")
	email, err := h.Emails.FindByProviderID(c.Request.Context(), accountFrom(c).ID, msgID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if email == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("message %s not found", msgID)})
		return
	}
	c.JSON(http.StatusOK, email)
}

type labelsRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

func (h *handler) updateLabels(c *gin.Context) {
	var req labelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "add or remove is required"})
		return
	}

	email, err := h.Sync.UpdateLabels(c.Request.Context(), accountFrom(c).ID, c.Param("messageId"), req.Add, req.Remove)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, email)
}

func (h *handler) getAttachment(c *gin.Context) {
	data, desc, err := h.Sync.FetchAttachment(c.Request.Context(), accountFrom(c).ID, c.Param("messageId"), c.Param("attachmentId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	contentType := desc.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if desc.Filename != "" {
		c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": desc.Filename}))
	}
	c.Data(http.StatusOK, contentType, data)
}

// jobForAccount finds the scheduled job of an account, if any
func (h *handler) jobForAccount(accountID string) *scheduler.Job {
	if h.Jobs == nil {
		return nil
	}
	for _, j := range h.Jobs.ListJobs() {
		if j.AccountID == accountID {
			return &j
		}
	}
	return nil
}

// ownJob loads :id and hides jobs on accounts of other owners behind 404
func (h *handler) ownJob(c *gin.Context) {
	j, err := h.Jobs.GetJob(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	acct, err := h.Accounts.GetAccount(c.Request.Context(), j.AccountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if acct == nil || acct.OwnerID != currentUser(c).ID {
		h.writeError(c, fmt.Errorf("job %s: %w", j.ID, scheduler.ErrJobNotFound))
		return
	}
	c.Set(jobKey, j)
	c.Next()
}

func jobFrom(c *gin.Context) scheduler.Job {
	return c.MustGet(jobKey).(scheduler.Job)
}

func (h *handler) listJobs(c *gin.Context) {
	accounts, err := h.Accounts.ListAccounts(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	owned := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		owned[a.ID] = true
	}

	jobs := []scheduler.Job{}
	for _, j := range h.Jobs.ListJobs() {
		if owned[j.AccountID] {
			jobs = append(jobs, j)
		}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

type createJobRequest struct {
	Account string `json:"account" binding:"required"`
	Trigger string `json:"trigger"`
}

func (h *handler) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acct, err := h.Accounts.GetAccount(c.Request.Context(), req.Account)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if acct == nil || acct.OwnerID != currentUser(c).ID {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("account %s not found", req.Account)})
		return
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = h.DefaultTrigger
	}
	j, err := h.Jobs.CreateJob(acct.ID, trigger)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (h *handler) getJob(c *gin.Context) {
	c.JSON(http.StatusOK, jobFrom(c))
}

type updateJobRequest struct {
	Trigger string `json:"trigger" binding:"required"`
}

func (h *handler) updateJob(c *gin.Context) {
	var req updateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	j, err := h.Jobs.UpdateJob(jobFrom(c).ID, req.Trigger)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *handler) removeJob(c *gin.Context) {
	if err := h.Jobs.RemoveJob(jobFrom(c).ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) pauseJob(c *gin.Context) {
	j, err := h.Jobs.PauseJob(jobFrom(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *handler) resumeJob(c *gin.Context) {
	j, err := h.Jobs.ResumeJob(jobFrom(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}
