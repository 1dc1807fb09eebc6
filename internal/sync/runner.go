package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

// ResultStatus summarizes how a pass ended
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultBusy      ResultStatus = "busy"
	ResultStopped   ResultStatus = "stopped"
	ResultFailed    ResultStatus = "failed"
)

// Result is the outcome of one sync pass
type Result struct {
	Status     ResultStatus      `json:"status"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Errors     map[string]string `json:"errors,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

func (r Result) clone() Result {
	if r.Errors != nil {
		errs := make(map[string]string, len(r.Errors))
		for k, v := range r.Errors {
			errs[k] = v
		}
		r.Errors = errs
	}
	return r
}

// Options bound one pass
type Options struct {
	// Since limits the listing to newer messages; zero lists everything
	Since time.Time
	// PageLimit caps the number of listing pages; zero means no cap
	PageLimit int
}

// DecodeFunc turns a raw provider message into a DecodedEmail
type DecodeFunc func(accountID string, raw *mail.RawMessage) (*mail.DecodedEmail, error)

// tokenForgetter is implemented by credential caches
type tokenForgetter interface {
	Forget(accountID string)
}

// Runner orchestrates sync passes for accounts
type Runner struct {
	Credentials CredentialProvider
	Providers   ProviderFactory
	Repo        Repository
	States      *StateStore
	Decode      DecodeFunc
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}

// Acquire takes the per-account guard. It returns ErrBusy or ErrStopped
// without side effects when the pass may not start
func (r *Runner) Acquire(accountID string) error {
	return r.States.Acquire(accountID, r.now())
}

// Run performs one complete pass. A concurrent pass for the same account
// yields a busy result and no provider calls
func (r *Runner) Run(ctx context.Context, account mail.Account, opts Options) Result {
	if err := r.Acquire(account.ID); err != nil {
		status := ResultBusy
		if errors.Is(err, ErrStopped) {
			status = ResultStopped
		}
		return Result{Status: status, LastError: err.Error()}
	}
	return r.RunLocked(ctx, account, opts)
}

// RunLocked performs a pass for an account whose guard the caller holds
func (r *Runner) RunLocked(ctx context.Context, account mail.Account, opts Options) Result {
	log := r.logger().WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.Provider,
	})

	res := Result{
		Status:    ResultCompleted,
		Errors:    make(map[string]string),
		StartedAt: r.now(),
	}

	fail := func(err error) Result {
		res.Status = ResultFailed
		res.LastError = err.Error()
		res.FinishedAt = r.now()
		r.States.Fail(account.ID, res)
		if f, ok := r.Credentials.(tokenForgetter); ok {
			// a rejected token must not be reused by the next pass
			f.Forget(account.ID)
		}
		log.WithError(err).WithFields(logrus.Fields{
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
		}).Error("sync pass aborted")
		return res
	}

	token, err := r.Credentials.Token(ctx, account)
	if err != nil {
		return fail(fmt.Errorf("get credential: %w", err))
	}

	client, err := r.Providers(ctx, token, account)
	if err != nil {
		return fail(fmt.Errorf("create provider client: %w", err))
	}

	log.WithField("since", opts.Since).Info("sync pass started")

	listed := 0
	pageToken := ""
	for pages := 0; opts.PageLimit <= 0 || pages < opts.PageLimit; pages++ {
		page, err := client.ListMessageIDs(ctx, opts.Since, pageToken)
		if err != nil {
			return fail(fmt.Errorf("list messages: %w", err))
		}
		listed += len(page.IDs)

		for _, id := range page.IDs {
			if err := ctx.Err(); err != nil {
				return fail(fmt.Errorf("sync interrupted: %w", err))
			}

			err := r.processMessage(ctx, client, account, id)
			switch {
			case err == nil:
				res.Succeeded++
			case mail.IsFatal(err):
				return fail(fmt.Errorf("message %s: %w", id, err))
			case mail.IsNotFound(err):
				res.Skipped++
				log.WithField("message_id", id).Debug("message disappeared before fetch")
			default:
				res.Failed++
				res.Errors[id] = err.Error()
				res.LastError = err.Error()
				log.WithError(err).WithField("message_id", id).Warn("failed to sync message")
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	res.FinishedAt = r.now()
	r.States.Finish(account.ID, res, res.Succeeded > 0 || listed == 0, res.FinishedAt)

	log.WithFields(logrus.Fields{
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
		"duration":  res.FinishedAt.Sub(res.StartedAt).String(),
	}).Info("sync pass finished")

	return res
}

// processMessage fetches, decodes and stores one message. Panics are
// contained to the message
func (r *Runner) processMessage(ctx context.Context, client ProviderClient, account mail.Account, id string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while processing message: %v", p)
		}
	}()

	raw, err := client.FetchMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	decode := r.Decode
	if decode == nil {
		decode = mail.Decode
	}
	email, err := decode(account.ID, raw)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	_, err = r.Repo.Upsert(ctx, email)
	if errors.Is(err, mail.ErrConflict) {
		// another writer inserted it first; the retry overwrites its row
		_, err = r.Repo.Upsert(ctx, email)
	}
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}
