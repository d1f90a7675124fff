// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package scheduler owns the job lifecycle: the single dispatch loop, the
// history-aware router, the preflight gate, the per-printer status
// pollers, and the idle-heater watchdog. All job state changes go through
// the store's compare-and-swap, which is what makes dispatch at-most-once
// even with a second dispatcher racing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"kiln/internal/adapter"
	"kiln/internal/bus"
	"kiln/internal/metrics"
	"kiln/internal/store"
	"kiln/pkg/faults"
	"kiln/pkg/models"
)

// Defaults for the dispatch loop.
const (
	defaultRetryBase    = 30 * time.Second
	defaultMaxRetries   = 3
	defaultTickInterval = time.Second

	// idleWindow is how fresh an IDLE observation must be for the printer
	// to count as a routing candidate.
	idleWindow = 15 * time.Second

	// offlineGrace is how long a RUNNING job's printer may be OFFLINE
	// before the job is treated as failed.
	offlineGrace = 30 * time.Second

	// completionThreshold is the progress at which IDLE-after-RUNNING
	// means the print finished rather than aborted.
	completionThreshold = 0.99
)

// JobStore is the slice of persistence the scheduler drives.
type JobStore interface {
	EligibleJobs(ctx context.Context, now time.Time) ([]models.Job, error)
	TransitionJob(ctx context.Context, id string, from, to models.JobState, upd store.JobUpdate) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error)
	GetPrinter(ctx context.Context, name string) (*models.Printer, error)
	RecordOutcome(ctx context.Context, o models.Outcome) error
}

// Config tunes the scheduler.
type Config struct {
	RetryBase    time.Duration // backoff base for retryable failures
	MaxRetries   int           // retry budget granted at submission
	TickInterval time.Duration
}

// Scheduler drives jobs from queued to terminal.
type Scheduler struct {
	store     JobStore
	bus       *bus.Bus
	registry  *adapter.Registry
	preflight *Preflight
	router    *Router
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	mu sync.Mutex
	// idleSeen is the freshest IDLE observation per printer.
	idleSeen map[string]time.Time
	// offlineSince tracks how long a running job's printer has been dark.
	offlineSince map[string]time.Time
	// progress and elapsed are the last observed values per job id.
	progress map[string]float64
	elapsed  map[string]int64
	// cancels holds the per-job cancellation tokens.
	cancels map[string]context.CancelFunc
}

// New constructs a Scheduler. Zero config fields take defaults.
func New(st JobStore, b *bus.Bus, registry *adapter.Registry, preflight *Preflight, router *Router, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        st,
		bus:          b,
		registry:     registry,
		preflight:    preflight,
		router:       router,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		idleSeen:     make(map[string]time.Time),
		offlineSince: make(map[string]time.Time),
		progress:     make(map[string]float64),
		elapsed:      make(map[string]int64),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// SetNow overrides the clock. Test use only.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

// MaxRetries exposes the configured retry budget for job submission.
func (s *Scheduler) MaxRetries() int { return s.cfg.MaxRetries }

// Run drives the dispatch loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.DispatchOnce(ctx); err != nil {
				s.logger.Error("dispatch pass failed", "err", err)
			}
		}
	}
}

// Observe feeds one status-poll result into the scheduler. The poller
// calls this for every printer on every poll.
func (s *Scheduler) Observe(ctx context.Context, printer string, state models.PrinterState, at time.Time) {
	s.mu.Lock()
	switch state.Status {
	case models.StatusIdle:
		s.idleSeen[printer] = at
		delete(s.offlineSince, printer)
	case models.StatusOffline:
		delete(s.idleSeen, printer)
		if _, dark := s.offlineSince[printer]; !dark {
			s.offlineSince[printer] = at
		}
	default:
		delete(s.idleSeen, printer)
		delete(s.offlineSince, printer)
	}
	s.mu.Unlock()

	job := s.runningJobOn(ctx, printer)
	if job == nil {
		return
	}

	if state.JobProgress != nil {
		s.mu.Lock()
		s.progress[job.ID] = *state.JobProgress
		s.mu.Unlock()
	}
	if state.ElapsedSeconds != nil {
		s.mu.Lock()
		s.elapsed[job.ID] = *state.ElapsedSeconds
		s.mu.Unlock()
	}

	switch state.Status {
	case models.StatusIdle:
		s.mu.Lock()
		progress := s.progress[job.ID]
		s.mu.Unlock()
		if progress >= completionThreshold {
			s.completeJob(ctx, job, printer)
		}
	case models.StatusError:
		reason := "printer_error"
		if state.ErrorMessage != nil {
			reason = "printer_error: " + *state.ErrorMessage
		}
		s.failOrRetry(ctx, job, models.JobRunning, reason, true)
	case models.StatusOffline:
		s.mu.Lock()
		since, dark := s.offlineSince[printer]
		s.mu.Unlock()
		if dark && at.Sub(since) >= offlineGrace {
			s.failOrRetry(ctx, job, models.JobRunning, "printer_offline", true)
		}
	}
}

func (s *Scheduler) runningJobOn(ctx context.Context, printer string) *models.Job {
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{
		States:  []models.JobState{models.JobRunning},
		Printer: printer,
	})
	if err != nil || len(jobs) == 0 {
		return nil
	}
	return &jobs[0]
}

// DispatchOnce runs one pass of the dispatch loop: pair free idle printers
// with the best eligible jobs and drive each pairing through preflight and
// start_print. Exposed so tests can step the loop deterministically.
func (s *Scheduler) DispatchOnce(ctx context.Context) error {
	now := s.now()

	jobs, err := s.store.EligibleJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("list eligible jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	free, err := s.freeIdlePrinters(ctx, now)
	if err != nil {
		return err
	}
	if len(free) == 0 {
		return nil
	}

	for _, job := range jobs {
		printer, err := s.pickPrinter(ctx, job, free)
		if err != nil {
			s.logger.Warn("routing failed", "job", job.ID, "err", err)
			continue
		}
		if printer == "" {
			continue
		}
		delete(free, printer)
		s.dispatch(ctx, job, printer)
		if len(free) == 0 {
			break
		}
	}
	return nil
}

// freeIdlePrinters returns printers idle within the window and not
// assigned to an in-flight job.
func (s *Scheduler) freeIdlePrinters(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	inflight, err := s.store.ListJobs(ctx, store.JobFilter{
		States: []models.JobState{models.JobDispatched, models.JobRunning},
	})
	if err != nil {
		return nil, fmt.Errorf("list in-flight jobs: %w", err)
	}
	busy := make(map[string]struct{}, len(inflight))
	for _, j := range inflight {
		if j.AssignedPrinter != nil {
			busy[*j.AssignedPrinter] = struct{}{}
		}
	}

	free := make(map[string]struct{})
	s.mu.Lock()
	for printer, at := range s.idleSeen {
		if now.Sub(at) <= idleWindow {
			if _, b := busy[printer]; !b {
				free[printer] = struct{}{}
			}
		}
	}
	s.mu.Unlock()
	return free, nil
}

func (s *Scheduler) pickPrinter(ctx context.Context, job models.Job, free map[string]struct{}) (string, error) {
	if job.TargetPrinter != nil {
		if _, ok := free[*job.TargetPrinter]; ok {
			return *job.TargetPrinter, nil
		}
		return "", nil
	}
	candidates := make([]string, 0, len(free))
	for name := range free {
		candidates = append(candidates, name)
	}
	return s.router.Choose(ctx, job, candidates)
}

// dispatch drives one job through DISPATCHED and, when everything holds,
// into RUNNING. The queued→dispatched CAS is the at-most-once claim: a
// dispatcher that loses it walks away without side effects.
func (s *Scheduler) dispatch(ctx context.Context, job models.Job, printer string) {
	err := s.store.TransitionJob(ctx, job.ID, models.JobQueued, models.JobDispatched, store.JobUpdate{
		AssignedPrinter: &printer,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("dispatch transition failed", "job", job.ID, "err", err)
		return
	}
	job.AssignedPrinter = &printer

	s.publish(ctx, models.EventJobDispatched, &printer, &job.ID, map[string]any{
		"printer": printer,
	})

	jobCtx := s.tokenFor(ctx, job.ID)

	printerRec, err := s.store.GetPrinter(ctx, printer)
	if err != nil {
		s.failOrRetry(ctx, &job, models.JobDispatched, "printer_missing", false)
		return
	}

	ad, err := s.registry.Get(printer)
	if err != nil {
		s.failOrRetry(ctx, &job, models.JobDispatched, "adapter_missing", false)
		return
	}

	if err := s.preflight.Check(jobCtx, ad, *printerRec, job, nil); err != nil {
		reason := "preflight_failed"
		var fe *faults.Error
		if errors.As(err, &fe) {
			if check, ok := fe.Details["check"].(string); ok {
				reason = "preflight_failed: " + check
			}
		}
		s.failOrRetry(ctx, &job, models.JobDispatched, reason, false)
		return
	}

	err = s.registry.Do(jobCtx, printer, func(a adapter.Adapter) error {
		return a.StartPrint(jobCtx, job.Filename)
	})
	if err != nil {
		kind := faults.KindOf(err)
		if kind == faults.KindCancelled {
			// Cancel() owns the state transition.
			return
		}
		// Partial success contract: anything uploaded stays on the printer
		// and the job fails with a bare start_failed reason.
		reason := "start_failed"
		if kind.Retryable() {
			reason = "start_failed: " + err.Error()
		}
		s.failOrRetry(ctx, &job, models.JobDispatched, reason, kind.Retryable())
		return
	}

	if err := s.store.TransitionJob(ctx, job.ID, models.JobDispatched, models.JobRunning, store.JobUpdate{}); err != nil {
		// Lost to a cancel; the print is live on the printer, so undo it.
		if errors.Is(err, store.ErrConflict) {
			_ = s.registry.Do(ctx, printer, func(a adapter.Adapter) error {
				return a.CancelPrint(ctx)
			})
			return
		}
		s.logger.Error("running transition failed", "job", job.ID, "err", err)
		return
	}

	s.publish(ctx, models.EventPrintStarted, &printer, &job.ID, map[string]any{
		"filename": job.Filename,
	})
}

// failOrRetry moves a job out of from: back to queued with backoff when
// the failure is retryable and budget remains, to FAILED otherwise.
func (s *Scheduler) failOrRetry(ctx context.Context, job *models.Job, from models.JobState, reason string, retryable bool) {
	if retryable && job.RetriesRemaining > 0 {
		remaining := job.RetriesRemaining - 1
		exponent := s.cfg.MaxRetries - remaining
		backoff := time.Duration(float64(s.cfg.RetryBase) * math.Pow(2, float64(exponent)))
		notBefore := s.now().Add(backoff)

		err := s.store.TransitionJob(ctx, job.ID, from, models.JobFailedRetryable, store.JobUpdate{
			RetriesRemaining: &remaining,
			RetryNotBefore:   &notBefore,
			FailureReason:    &reason,
		})
		if err != nil {
			return
		}
		if err := s.store.TransitionJob(ctx, job.ID, models.JobFailedRetryable, models.JobQueued, store.JobUpdate{
			ClearAssignedPrinter: true,
		}); err != nil {
			s.logger.Error("requeue failed", "job", job.ID, "err", err)
			return
		}
		metrics.IncDispatchOutcome(models.JobFailedRetryable.String())
		s.logger.Info("job will retry", "job", job.ID, "reason", reason,
			"retries_remaining", remaining, "not_before", notBefore)
		return
	}

	if err := s.store.TransitionJob(ctx, job.ID, from, models.JobFailed, store.JobUpdate{
		FailureReason: &reason,
	}); err != nil {
		return
	}
	s.releaseToken(job.ID)
	metrics.IncDispatchOutcome(models.JobFailed.String())

	printer := ""
	if job.AssignedPrinter != nil {
		printer = *job.AssignedPrinter
	}
	s.publish(ctx, models.EventJobFailed, job.AssignedPrinter, &job.ID, map[string]any{
		"reason": reason,
	})
	s.recordOutcome(ctx, job, printer, models.ResultFailed, &reason)
}

func (s *Scheduler) completeJob(ctx context.Context, job *models.Job, printer string) {
	if err := s.store.TransitionJob(ctx, job.ID, models.JobRunning, models.JobCompleted, store.JobUpdate{}); err != nil {
		return
	}
	s.releaseToken(job.ID)
	metrics.IncDispatchOutcome(models.JobCompleted.String())

	s.publish(ctx, models.EventJobCompleted, &printer, &job.ID, map[string]any{
		"filename": job.Filename,
	})
	s.recordOutcome(ctx, job, printer, models.ResultSuccess, nil)
}

// Cancel aborts a job from any non-terminal state. Idempotent: cancelling
// a cancelled job is a no-op; cancelling a completed or failed job is
// INVALID_STATE.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.New(faults.KindNotFound, "job %q not found", jobID)
		}
		return err
	}

	switch job.State {
	case models.JobCancelled:
		return nil
	case models.JobCompleted, models.JobFailed:
		return faults.New(faults.KindInvalidState, "job %q already %s", jobID, job.State)
	}

	// Signal the token first so an in-flight start_print aborts promptly.
	s.releaseToken(jobID)

	fromStates := []models.JobState{
		models.JobSubmitted, models.JobQueued, models.JobDispatched,
		models.JobRunning, models.JobFailedRetryable,
	}
	var cancelledFrom models.JobState
	for _, from := range fromStates {
		err := s.store.TransitionJob(ctx, jobID, from, models.JobCancelled, store.JobUpdate{})
		if err == nil {
			cancelledFrom = from
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	if cancelledFrom == "" {
		// Every CAS lost: someone else finished or cancelled it first.
		fresh, err := s.store.GetJob(ctx, jobID)
		if err == nil && fresh.State == models.JobCancelled {
			return nil
		}
		return faults.New(faults.KindConflict, "job %q changed state during cancel", jobID)
	}

	// If the print reached the machine, stop it there too.
	if (cancelledFrom == models.JobRunning || cancelledFrom == models.JobDispatched) && job.AssignedPrinter != nil {
		printer := *job.AssignedPrinter
		if err := s.registry.Do(ctx, printer, func(a adapter.Adapter) error {
			return a.CancelPrint(ctx)
		}); err != nil {
			s.logger.Warn("printer-side cancel failed", "job", jobID, "printer", printer, "err", err)
		}
	}

	metrics.IncDispatchOutcome(models.JobCancelled.String())
	s.publish(ctx, models.EventJobCancelled, job.AssignedPrinter, &jobID, map[string]any{
		"from_state": cancelledFrom.String(),
	})

	printer := ""
	if job.AssignedPrinter != nil {
		printer = *job.AssignedPrinter
	}
	s.recordOutcome(ctx, job, printer, models.ResultCancelled, nil)
	return nil
}

// tokenFor creates (or reuses) the job's cancellation context.
func (s *Scheduler) tokenFor(ctx context.Context, jobID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
	}
	jobCtx, cancel := context.WithCancel(ctx)
	s.cancels[jobID] = cancel
	return jobCtx
}

func (s *Scheduler) releaseToken(jobID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	delete(s.cancels, jobID)
	delete(s.progress, jobID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) recordOutcome(ctx context.Context, job *models.Job, printer string, result models.OutcomeResult, failureMode *string) {
	s.mu.Lock()
	elapsed := s.elapsed[job.ID]
	delete(s.elapsed, job.ID)
	s.mu.Unlock()

	o := models.Outcome{
		JobID:           job.ID,
		PrinterID:       printer,
		Result:          result,
		FailureMode:     failureMode,
		DurationSeconds: elapsed,
		FileHash:        job.FileHash,
		Material:        job.Material,
		RecordedAt:      s.now().UTC(),
	}
	if err := s.store.RecordOutcome(ctx, o); err != nil {
		s.logger.Error("outcome record failed", "job", job.ID, "err", err)
		return
	}
	s.publish(ctx, models.EventOutcomeRecorded, &printer, &job.ID, map[string]any{
		"result": result.String(),
	})
}

func (s *Scheduler) publish(ctx context.Context, kind models.EventKind, printer, jobID *string, payload map[string]any) {
	if _, err := s.bus.Publish(ctx, models.Event{
		Kind:      kind,
		PrinterID: printer,
		JobID:     jobID,
		Payload:   payload,
	}); err != nil {
		s.logger.Error("event publish failed", "kind", string(kind), "err", err)
	}
}
