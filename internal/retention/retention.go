// Package retention runs the two background sweeps that keep the job
// store and workspace tree bounded: reaping stale non-terminal jobs that
// stopped heartbeating, and purging terminal jobs (plus their workspace
// directories) past their retention window.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/jobforge/agentjobs/internal/models"
)

// JobStore is the subset of internal/store.Store the sweeps need.
type JobStore interface {
	GetStaleJobs(ctx context.Context, staleMinutes int) ([]models.Job, error)
	SetStatus(ctx context.Context, jobID string, fromSet []models.JobStatus, to models.JobStatus) error
	SetError(ctx context.Context, jobID, code, message string) error
	AppendEvent(ctx context.Context, event models.JobEvent) (int64, error)
	ListTerminalOlderThan(ctx context.Context, maxAge time.Duration) ([]string, error)
	DeleteTerminalOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}

// Workspace is the subset of internal/workspace.Manager the reclaim sweep
// needs to remove a purged job's on-disk directory.
type Workspace interface {
	RemoveJobWorkspace(jobID string) error
}

// Service owns a robfig/cron scheduler running the stale-job reaper and
// the terminal-job reclaim sweep on the configured schedule.
type Service struct {
	store     JobStore
	workspace Workspace
	logger    arbor.ILogger
	cron      *cron.Cron

	staleMinutes   int
	terminalMaxAge time.Duration
}

// nonTerminalStatuses lists every status GetStaleJobs can return, used as
// SetStatus's from_set so the reaper's transition is never rejected by a
// status the job moved out of between the query and the update.
var nonTerminalStatuses = []models.JobStatus{
	models.JobStatusCreated,
	models.JobStatusQueued,
	models.JobStatusRunning,
	models.JobStatusWaitingApproval,
	models.JobStatusVerifying,
	models.JobStatusPackaging,
}

// New builds a Service from already-parsed configuration. The cron schedule
// is not taken here; it is passed to Start.
func New(st JobStore, ws Workspace, staleMinutes int, terminalMaxAge time.Duration, logger arbor.ILogger) *Service {
	return &Service{
		store:          st,
		workspace:      ws,
		logger:         logger,
		cron:           cron.New(),
		staleMinutes:   staleMinutes,
		terminalMaxAge: terminalMaxAge,
	}
}

// Start registers both sweeps on schedule and starts the cron scheduler.
func (s *Service) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.runSweep); err != nil {
		return fmt.Errorf("register retention sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Msg("retention sweep scheduled")
	return nil
}

// Stop halts the scheduler, waiting for an in-flight sweep to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// runSweep is the cron-invoked entry point; a panic in either half must
// not take down the daemon, matching the teacher's job-handler recovery.
func (s *Service) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("recovered from panic in retention sweep")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.reapStaleJobs(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("stale job reaper failed")
	}
	if err := s.reclaimTerminalJobs(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("terminal job reclaim failed")
	}
}

// reapStaleJobs fails any non-terminal job whose last update predates
// staleMinutes, under the assumption its worker died without recording a
// terminal status.
func (s *Service) reapStaleJobs(ctx context.Context) error {
	stale, err := s.store.GetStaleJobs(ctx, s.staleMinutes)
	if err != nil {
		return fmt.Errorf("list stale jobs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	s.logger.Warn().Int("count", len(stale)).Msg("reaping stale jobs")
	for _, job := range stale {
		reason := fmt.Sprintf("no status update for %d+ minutes", s.staleMinutes)
		if err := s.store.SetStatus(ctx, job.JobID, nonTerminalStatuses, models.JobStatusFailed); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("failed to fail stale job")
			continue
		}
		if err := s.store.SetError(ctx, job.JobID, "job.stale", reason); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("failed to record stale job error")
		}
		if _, err := s.store.AppendEvent(ctx, models.JobEvent{
			JobID:     job.JobID,
			Status:    statusPtr(models.JobStatusFailed),
			Source:    models.EventSourceWorker,
			EventType: "job.failed",
			Message:   reason,
		}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("failed to append stale job event")
		}
	}
	return nil
}

// reclaimTerminalJobs deletes every terminal job older than terminalMaxAge
// along with its workspace directory, reclaiming disk before the store row.
func (s *Service) reclaimTerminalJobs(ctx context.Context) error {
	ids, err := s.store.ListTerminalOlderThan(ctx, s.terminalMaxAge)
	if err != nil {
		return fmt.Errorf("list terminal jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		if err := s.workspace.RemoveJobWorkspace(id); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("failed to remove workspace during retention reclaim")
		}
	}

	n, err := s.store.DeleteTerminalOlderThan(ctx, s.terminalMaxAge)
	if err != nil {
		return fmt.Errorf("delete terminal jobs: %w", err)
	}
	s.logger.Info().Int("count", n).Msg("reclaimed terminal jobs")
	return nil
}

func statusPtr(st models.JobStatus) *models.JobStatus { return &st }
