// Package scheduler runs periodic index-and-reconcile scans per account.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScanFunc performs one scan of an account: index its primary mailbox, then
// reconcile tags with the grouping mode.
type ScanFunc func(ctx context.Context, accountID string) error

// Entry schedules one account.
type Entry struct {
	Account  string
	Schedule string
}

// AccountStatus is the scan state of a scheduled account.
type AccountStatus struct {
	Account   string    `json:"account"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler owns the cron instance and the per-account run state.
type Scheduler struct {
	cron   *cron.Cron
	scan   ScanFunc
	logger *slog.Logger

	mu        sync.RWMutex
	jobs      map[string]cron.EntryID
	schedules map[string]string
	running   map[string]bool
	lastRun   map[string]time.Time
	lastErr   map[string]error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a scheduler that calls scan for each due account.
func New(scan ScanFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(cron.WithParser(parser)),
		scan:      scan,
		logger:    slog.Default(),
		jobs:      make(map[string]cron.EntryID),
		schedules: make(map[string]string),
		running:   make(map[string]bool),
		lastRun:   make(map[string]time.Time),
		lastErr:   make(map[string]error),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithLogger sets the logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddAccount schedules scans of account, replacing any existing schedule.
func (s *Scheduler) AddAccount(account, expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.jobs[account]; ok {
		s.cron.Remove(id)
		delete(s.jobs, account)
		delete(s.schedules, account)
	}

	id, err := s.cron.AddFunc(expr, func() {
		if s.claim(account) {
			s.run(account)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.jobs[account] = id
	s.schedules[account] = expr
	s.logger.Info("scheduled scan", "account", account, "schedule", expr, "next_run", s.cron.Entry(id).Next)
	return nil
}

// AddAccounts schedules every entry with a non-empty schedule and returns how
// many were added along with the per-account errors.
func (s *Scheduler) AddAccounts(entries []Entry) (int, []error) {
	var errs []error
	added := 0
	for _, e := range entries {
		if e.Schedule == "" {
			continue
		}
		if err := s.AddAccount(e.Account, e.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Account, err))
			continue
		}
		added++
	}
	return added, errs
}

// RemoveAccount unschedules account.
func (s *Scheduler) RemoveAccount(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[account]; ok {
		s.cron.Remove(id)
		delete(s.jobs, account)
		delete(s.schedules, account)
		s.logger.Info("removed schedule", "account", account)
	}
}

// IsScheduled reports whether account has a schedule.
func (s *Scheduler) IsScheduled(account string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[account]
	return ok
}

// Start begins running scheduled scans.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// IsRunning reports whether the scheduler was started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop stops scheduling, cancels running scans and waits for them until ctx
// is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("scheduler stopping")
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running scans: %w", ctx.Err())
	}
}

// ErrStopped is returned by TriggerSync after Stop.
var ErrStopped = errors.New("scheduler is stopped")

// TriggerSync starts a scan of account now, outside its schedule.
func (s *Scheduler) TriggerSync(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.jobs[account]; !ok {
		return fmt.Errorf("account %s is not scheduled", account)
	}
	if s.running[account] {
		return fmt.Errorf("scan already running for %s", account)
	}
	s.running[account] = true
	s.wg.Add(1)
	go s.run(account)
	return nil
}

// claim marks account as running unless it already is or the scheduler
// is stopped.
func (s *Scheduler) claim(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.running[account] {
		return false
	}
	s.running[account] = true
	s.wg.Add(1)
	return true
}

// run performs one scan. The caller has claimed account.
func (s *Scheduler) run(account string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running[account] = false
		s.mu.Unlock()
	}()

	s.logger.Info("starting scan", "account", account)
	start := time.Now()
	err := s.scan(s.ctx, account)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr[account] = err
		s.logger.Error("scan failed", "account", account, "duration", time.Since(start), "error", err)
		return
	}
	s.lastRun[account] = time.Now()
	s.lastErr[account] = nil
	s.logger.Info("scan completed", "account", account, "duration", time.Since(start))
}

// Status returns the state of every scheduled account, ordered by account.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]AccountStatus, 0, len(s.jobs))
	for account, id := range s.jobs {
		st := AccountStatus{
			Account:  account,
			Running:  s.running[account],
			LastRun:  s.lastRun[account],
			NextRun:  s.cron.Entry(id).Next,
			Schedule: s.schedules[account],
		}
		if err := s.lastErr[account]; err != nil {
			st.LastError = err.Error()
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Account < statuses[j].Account })
	return statuses
}

// ValidateCronExpr checks expr without scheduling anything.
func ValidateCronExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
