// Package scheduler runs periodic incremental syncs per account on top of
// robfig/cron
package scheduler

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/FeiNiaoBF/MailMind/internal/sync"
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("job not found")

// Syncer runs one incremental pass for an account
type Syncer interface {
	SyncIncremental(ctx context.Context, accountID string) sync.Result
}

// Job is a snapshot of a scheduled job
type Job struct {
	ID         string            `json:"id"`
	AccountID  string            `json:"account_id"`
	Trigger    string            `json:"trigger"`
	Paused     bool              `json:"paused"`
	NextRun    *time.Time        `json:"next_run,omitempty"`
	LastRun    *time.Time        `json:"last_run,omitempty"`
	LastStatus sync.ResultStatus `json:"last_status,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type job struct {
	id         string
	accountID  string
	trigger    Trigger
	paused     bool
	entryID    cron.EntryID
	lastRun    time.Time
	lastStatus sync.ResultStatus
	createdAt  time.Time
}

// Options configures a Scheduler
type Options struct {
	Location *time.Location
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// Scheduler owns the cron instance and the job table
type Scheduler struct {
	ctx    context.Context
	syncer Syncer
	cron   *cron.Cron
	logger logrus.FieldLogger
	now    func() time.Time

	mu        gosync.Mutex
	jobs      map[string]*job
	byAccount map[string]string
}

// New creates a scheduler. Jobs run with ctx, which should live as long as
// the process
func New(ctx context.Context, syncer Syncer, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cronLog := cron.PrintfLogger(opts.Logger)
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	return &Scheduler{
		ctx:       ctx,
		syncer:    syncer,
		cron:      c,
		logger:    opts.Logger,
		now:       opts.Now,
		jobs:      make(map[string]*job),
		byAccount: make(map[string]string),
	}
}

// Start starts firing jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// ParseTrigger parses a trigger relative to the scheduler clock
func (s *Scheduler) ParseTrigger(spec string) (Trigger, error) {
	return ParseTrigger(spec, s.now())
}

// CreateJob schedules incremental syncs for an account. An account has at
// most one job; scheduling it again replaces the trigger and keeps the id
func (s *Scheduler) CreateJob(accountID, trigger string) (Job, error) {
	t, err := s.ParseTrigger(trigger)
	if err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAccount[accountID]; ok {
		j := s.jobs[id]
		s.reschedule(j, t)
		s.logger.WithFields(logrus.Fields{
			"job_id":     j.id,
			"account_id": accountID,
			"trigger":    t.String(),
		}).Info("job trigger replaced")
		return s.snapshot(j), nil
	}

	j := &job{
		id:        uuid.NewString(),
		accountID: accountID,
		trigger:   t,
		createdAt: s.now(),
	}
	s.schedule(j)
	s.jobs[j.id] = j
	s.byAccount[accountID] = j.id

	s.logger.WithFields(logrus.Fields{
		"job_id":     j.id,
		"account_id": accountID,
		"trigger":    t.String(),
	}).Info("job created")
	return s.snapshot(j), nil
}

// EnsureJobs gives every account without a job one on trigger. Accounts that
// already have a job keep it unchanged. It returns the jobs it created
func (s *Scheduler) EnsureJobs(accountIDs []string, trigger string) ([]Job, error) {
	t, err := s.ParseTrigger(trigger)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var created []Job
	for _, accountID := range accountIDs {
		if _, ok := s.byAccount[accountID]; ok {
			continue
		}
		j := &job{
			id:        uuid.NewString(),
			accountID: accountID,
			trigger:   t,
			createdAt: s.now(),
		}
		s.schedule(j)
		s.jobs[j.id] = j
		s.byAccount[accountID] = j.id
		created = append(created, s.snapshot(j))
	}

	if len(created) > 0 {
		s.logger.WithFields(logrus.Fields{
			"jobs":    len(created),
			"trigger": t.String(),
		}).Info("default jobs created")
	}
	return created, nil
}

// UpdateJob replaces the trigger of an existing job
func (s *Scheduler) UpdateJob(id, trigger string) (Job, error) {
	t, err := s.ParseTrigger(trigger)
	if err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	s.reschedule(j, t)
	return s.snapshot(j), nil
}

// PauseJob keeps the job but stops firing it
func (s *Scheduler) PauseJob(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if !j.paused {
		s.cron.Remove(j.entryID)
		j.entryID = 0
		j.paused = true
	}
	return s.snapshot(j), nil
}

// ResumeJob resumes a paused job
func (s *Scheduler) ResumeJob(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if j.paused {
		j.paused = false
		s.schedule(j)
	}
	return s.snapshot(j), nil
}

// RemoveJob deletes a job. A pass already running finishes
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !j.paused {
		s.cron.Remove(j.entryID)
	}
	delete(s.jobs, id)
	delete(s.byAccount, j.accountID)

	s.logger.WithFields(logrus.Fields{
		"job_id":     id,
		"account_id": j.accountID,
	}).Info("job removed")
	return nil
}

// GetJob returns one job
func (s *Scheduler) GetJob(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return s.snapshot(j), nil
}

// ListJobs returns all jobs ordered by creation time
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.snapshot(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// schedule registers j with cron. Callers hold s.mu
func (s *Scheduler) schedule(j *job) {
	if j.paused {
		return
	}
	id, accountID := j.id, j.accountID
	j.entryID = s.cron.Schedule(j.trigger.schedule, cron.FuncJob(func() {
		s.run(id, accountID)
	}))
}

// reschedule swaps the trigger of j. Callers hold s.mu
func (s *Scheduler) reschedule(j *job, t Trigger) {
	if !j.paused {
		s.cron.Remove(j.entryID)
	}
	j.trigger = t
	s.schedule(j)
}

func (s *Scheduler) run(jobID, accountID string) {
	log := s.logger.WithFields(logrus.Fields{
		"job_id":     jobID,
		"account_id": accountID,
	})
	log.Debug("scheduled sync starting")

	started := s.now()
	res := s.syncer.SyncIncremental(s.ctx, accountID)

	s.mu.Lock()
	if j, ok := s.jobs[jobID]; ok {
		j.lastRun = started
		j.lastStatus = res.Status
	}
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"status":    res.Status,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	}).Info("scheduled sync finished")
}

// snapshot copies j. Callers hold s.mu
func (s *Scheduler) snapshot(j *job) Job {
	out := Job{
		ID:         j.id,
		AccountID:  j.accountID,
		Trigger:    j.trigger.String(),
		Paused:     j.paused,
		LastStatus: j.lastStatus,
		CreatedAt:  j.createdAt,
	}
	if !j.lastRun.IsZero() {
		t := j.lastRun
		out.LastRun = &t
	}
	if !j.paused {
		if next := s.cron.Entry(j.entryID).Next; !next.IsZero() {
			out.NextRun = &next
		}
	}
	return out
}
