// Package executor implements the Job Executor (C8): the core algorithm
// that drives one job from "running" through to a terminal status. The
// flow is a linear state progression with two loops embedded (event fusion
// and permission polling) and one universal interrupt, abort, checked
// before every transition and around every suspending call.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/jobforge/agentjobs/internal/agentclient"
	"github.com/jobforge/agentjobs/internal/eventbridge"
	"github.com/jobforge/agentjobs/internal/models"
	"github.com/jobforge/agentjobs/internal/policy"
	"github.com/jobforge/agentjobs/internal/skills"
	"github.com/jobforge/agentjobs/internal/store"
	"github.com/jobforge/agentjobs/internal/workspace"
)

// Timeouts bundles the four deadlines the convergence loop and queue
// enforce: T_soft, T_hard, T_perm_wait, and T_poll.
type Timeouts struct {
	Soft     time.Duration
	Hard     time.Duration
	PermWait time.Duration
	Poll     time.Duration
}

// errJobAborted unwinds the pipeline the instant EnsureNotAborted or
// SetStatusOrAbort observes status=aborted. It is not a failure: RunJob
// reports it to the caller as a clean, already-recorded outcome.
var errJobAborted = errors.New("executor: job aborted")

// jobFailure pairs a stable error_code (§7) with the message recorded in
// error_message. Every terminal non-abort path in run() returns one.
type jobFailure struct {
	code    string
	message string
}

func (f *jobFailure) Error() string { return fmt.Sprintf("%s: %s", f.code, f.message) }

func fail(code, format string, args ...interface{}) *jobFailure {
	return &jobFailure{code: code, message: fmt.Sprintf(format, args...)}
}

// Executor owns a job for the full pipeline. AgentClient and Event Bridge
// connections are constructed fresh per job (bound to that job's workspace
// directory); the store is the only shared, concurrency-safe collaborator.
type Executor struct {
	store     *store.Store
	workspace *workspace.Manager
	registry  *skills.Registry
	agentCfg  agentclient.Config
	timeouts  Timeouts
	logger    arbor.ILogger
}

// New builds an Executor from its collaborators.
func New(st *store.Store, ws *workspace.Manager, registry *skills.Registry, agentCfg agentclient.Config, timeouts Timeouts, logger arbor.ILogger) *Executor {
	return &Executor{
		store:     st,
		workspace: ws,
		registry:  registry,
		agentCfg:  agentCfg,
		timeouts:  timeouts,
		logger:    logger,
	}
}

// RunJob is the queue worker's JobHandler (internal/queue.JobHandler): it
// drives jobID to a terminal status and never surfaces an error the caller
// needs to act on - every outcome, abort included, is already committed to
// the store before RunJob returns.
func (e *Executor) RunJob(ctx context.Context, jobID string) error {
	jobLogger := e.logger.WithCorrelationId(jobID)

	err := e.run(ctx, jobID, jobLogger)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errJobAborted):
		jobLogger.Info().Msg("job aborted mid-pipeline")
		return nil
	default:
		var jf *jobFailure
		if errors.As(err, &jf) {
			e.recordFailure(ctx, jobID, jf)
			jobLogger.Warn().Str("error_code", jf.code).Str("error_message", jf.message).Msg("job failed")
			return nil
		}
		// An error that never called fail() - still must not leave the job
		// stuck in a non-terminal status forever.
		e.recordFailure(ctx, jobID, fail("job.internal_error", "%v", err))
		jobLogger.Error().Err(err).Msg("job failed with an unclassified error")
		return nil
	}
}

// nonTerminalStatuses is every status SetStatus(failed) may commit from -
// every status except the terminal succeeded, failed and aborted.
var nonTerminalStatuses = []models.JobStatus{
	models.JobStatusCreated,
	models.JobStatusQueued,
	models.JobStatusRunning,
	models.JobStatusWaitingApproval,
	models.JobStatusVerifying,
	models.JobStatusPackaging,
}

func (e *Executor) recordFailure(ctx context.Context, jobID string, jf *jobFailure) {
	if err := e.store.SetError(ctx, jobID, jf.code, jf.message); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record error_code/error_message")
	}
	if err := e.store.SetStatus(ctx, jobID, nonTerminalStatuses, models.JobStatusFailed); err != nil {
		// Most commonly the job already moved to aborted concurrently; the
		// conditional update simply does not apply, which is correct.
		e.logger.Debug().Err(err).Str("job_id", jobID).Msg("SetStatus(failed) did not apply")
	}
	if _, err := e.store.AppendEvent(ctx, models.JobEvent{
		JobID:     jobID,
		Source:    models.EventSourceWorker,
		EventType: "job.failed",
		Message:   jf.message,
		Payload:   map[string]interface{}{"error_code": jf.code},
	}); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record job.failed event")
	}
}

// ensureNotAborted reads the job's current status; EnsureNotAborted (§4.8.1).
func (e *Executor) ensureNotAborted(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusAborted {
		return errJobAborted
	}
	return nil
}

// setStatusOrAbort performs the conditional transition from->to; if it
// fails because the job is already aborted, that is reported as
// errJobAborted rather than a failure. SetStatusOrAbort (§4.8.1).
func (e *Executor) setStatusOrAbort(ctx context.Context, jobID string, from, to models.JobStatus) error {
	if err := e.store.SetStatus(ctx, jobID, []models.JobStatus{from}, to); err != nil {
		job, getErr := e.store.GetJob(ctx, jobID)
		if getErr == nil && job.Status == models.JobStatusAborted {
			return errJobAborted
		}
		return fail("state.illegal_transition", "%s -> %s: %v", from, to, err)
	}
	return nil
}

// run implements the linear stages of §4.8.2.
func (e *Executor) run(ctx context.Context, jobID string, jobLogger arbor.ILogger) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	workspaceDir := job.WorkspaceDir

	if err := e.setStatusOrAbort(ctx, jobID, models.JobStatusQueued, models.JobStatusRunning); err != nil {
		return err
	}

	selected, ok := e.registry.Resolve(job.SelectedSkill)
	if !ok {
		return fail("state.illegal_transition", "unknown selected_skill %q", job.SelectedSkill)
	}

	inputFiles, err := e.store.ListFiles(ctx, jobID, models.JobFileCategoryInput)
	if err != nil {
		return fmt.Errorf("list input files: %w", err)
	}
	inputRelPaths := make([]string, 0, len(inputFiles))
	for _, f := range inputFiles {
		inputRelPaths = append(inputRelPaths, f.RelativePath)
	}

	execCtx := skills.ExecutionContext{
		JobID:          jobID,
		Requirement:    job.Requirement,
		InputFiles:     inputRelPaths,
		WorkspaceDir:   workspaceDir,
		OutputContract: job.OutputContract,
	}

	plan, err := e.loadExecutionPlan(jobID)
	if err != nil {
		jobLogger.Warn().Err(err).Msg("execution-plan.json unreadable, rebuilding it from the skill")
		plan, err = selected.BuildExecutionPlan(ctx, execCtx)
		if err != nil {
			return fmt.Errorf("rebuild execution plan: %w", err)
		}
	}

	prompt, err := selected.BuildPrompt(ctx, execCtx, plan)
	if err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}

	client := agentclient.New(e.agentCfg, workspaceDir)
	bridge := eventbridge.New(client.EventStreamURL(), e.logger)

	bridgeCtx, cancelBridge := context.WithCancel(ctx)
	defer cancelBridge()
	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- bridge.Run(bridgeCtx) }()

	sessionID, err := client.CreateSession(ctx, jobID)
	if err != nil {
		return fail("agent.session.create_failed", "%v", err)
	}
	if err := e.store.SetSessionID(ctx, jobID, sessionID); err != nil {
		return fmt.Errorf("persist session id: %w", err)
	}
	bridge.SetSessionID(sessionID)

	if err := client.PromptAsync(ctx, sessionID, map[string]interface{}{"text": prompt}); err != nil {
		return fail("agent.prompt_failed", "%v", err)
	}

	if err := e.converge(ctx, jobID, sessionID, workspaceDir, client, bridge); err != nil {
		return err
	}

	lastMessage, err := client.ListLastMessage(ctx, sessionID)
	if err != nil {
		jobLogger.Warn().Err(err).Msg("failed to fetch the last assistant message")
	}
	if err := e.writeLastMessage(jobID, lastMessage); err != nil {
		return fmt.Errorf("write agent-last-message.md: %w", err)
	}

	if err := e.setStatusOrAbort(ctx, jobID, models.JobStatusRunning, models.JobStatusVerifying); err != nil {
		return err
	}

	for _, f := range inputFiles {
		sha, _, err := e.workspace.HashFile(jobID, f.RelativePath)
		if err != nil {
			return fmt.Errorf("rehash %s: %w", f.RelativePath, err)
		}
		if sha != f.SHA256 {
			return fail("inputs.tampered", "%s hash changed since creation", f.RelativePath)
		}
	}

	if err := selected.ValidateOutputs(ctx, execCtx); err != nil {
		var violation skills.Violation
		if errors.As(err, &violation) {
			return fail("outputs.contract.violated", "%s", violation.Reason)
		}
		return fail("outputs.missing", "%v", err)
	}

	if err := e.setStatusOrAbort(ctx, jobID, models.JobStatusVerifying, models.JobStatusPackaging); err != nil {
		return err
	}

	if err := e.packageAndIndex(ctx, jobID, sessionID); err != nil {
		return fail("bundle.failed", "%v", err)
	}

	if err := e.setStatusOrAbort(ctx, jobID, models.JobStatusPackaging, models.JobStatusSucceeded); err != nil {
		return err
	}

	if _, err := e.store.AppendEvent(ctx, models.JobEvent{
		JobID: jobID, Source: models.EventSourceWorker, EventType: "job.succeeded",
	}); err != nil {
		jobLogger.Warn().Err(err).Msg("failed to record job.succeeded event")
	}

	cancelBridge()
	<-bridgeDone
	return nil
}

// converge runs the fused event/poll loop of §4.8.3 until the agent session
// reports idle or a deadline fires.
func (e *Executor) converge(ctx context.Context, jobID, sessionID, workspaceDir string, client *agentclient.Client, bridge *eventbridge.Bridge) error {
	loopStart := time.Now()
	pollTicker := time.NewTicker(e.timeouts.Poll)
	defer pollTicker.Stop()

	waitingApproval := false
	var permWaitSince time.Time

	tick := func() (done bool, err error) {
		if err := e.ensureNotAborted(ctx, jobID); err != nil {
			return false, err
		}

		if time.Since(loopStart) > e.timeouts.Soft {
			client.AbortSession(ctx, sessionID)
			return false, fail("job.timeout", "soft deadline of %s exceeded", e.timeouts.Soft)
		}

		if statuses, statusErr := client.SessionStatus(ctx); statusErr != nil {
			e.logger.Debug().Err(statusErr).Str("job_id", jobID).Msg("session status poll failed")
		} else if entry, ok := statuses[sessionID]; ok {
			switch entry.Type {
			case agentclient.SessionStateIdle:
				return true, nil
			case agentclient.SessionStateRetry:
				if _, err := e.store.AppendEvent(ctx, models.JobEvent{
					JobID: jobID, Source: models.EventSourceWorker, EventType: "session.retry",
				}); err != nil {
					e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record session.retry event")
				}
			}
		}

		pendingOnEntry, err := e.replyPendingPermissions(ctx, jobID, sessionID, workspaceDir, client)
		if err != nil {
			e.logger.Debug().Err(err).Str("job_id", jobID).Msg("permission poll failed")
		}

		switch {
		case pendingOnEntry > 0 && !waitingApproval:
			if err := e.setStatusOrAbort(ctx, jobID, models.JobStatusRunning, models.JobStatusWaitingApproval); err != nil {
				return false, err
			}
			waitingApproval = true
			permWaitSince = time.Now()
		case pendingOnEntry > 0 && waitingApproval:
			if time.Since(permWaitSince) > e.timeouts.PermWait {
				return false, fail("permission.timeout", "permissions still pending after %s", e.timeouts.PermWait)
			}
		case pendingOnEntry == 0 && waitingApproval:
			if err := e.setStatusOrAbort(ctx, jobID, models.JobStatusWaitingApproval, models.JobStatusRunning); err != nil {
				return false, err
			}
			waitingApproval = false
		}

		return false, nil
	}

	for {
		select {
		case ev := <-bridge.Events():
			switch ev.Kind {
			case eventbridge.KindSessionUpdated, eventbridge.KindPermissionAsked:
				done, err := tick()
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		case <-pollTicker.C:
			done, err := tick()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// replyPendingPermissions decides and replies to every pending permission
// request belonging to sessionID, returning how many were pending on entry.
func (e *Executor) replyPendingPermissions(ctx context.Context, jobID, sessionID, workspaceDir string, client *agentclient.Client) (int, error) {
	requests, err := client.ListPermissions(ctx)
	if err != nil {
		return 0, err
	}

	pending := 0
	for _, req := range requests {
		if req.SessionID != sessionID {
			continue
		}
		pending++

		decision, rule := policy.Decide(policy.Request{Tool: req.Tool, Path: req.Path, Command: req.Command}, workspaceDir)

		replyDecision := agentclient.PermissionReplyReject
		switch decision {
		case models.PermissionDecisionOnce:
			replyDecision = agentclient.PermissionReplyOnce
		case models.PermissionDecisionAlways:
			replyDecision = agentclient.PermissionReplyAlways
		}

		if err := client.ReplyPermission(ctx, req.RequestID, replyDecision); err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Str("request_id", req.RequestID).Msg("failed to reply to permission request")
			continue
		}

		if err := e.store.AddPermissionAction(ctx, models.PermissionAction{
			JobID:     jobID,
			RequestID: req.RequestID,
			Action:    decision,
			Actor:     "policy:" + string(rule),
		}); err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record permission action")
		}

		if _, err := e.store.AppendEvent(ctx, models.JobEvent{
			JobID:     jobID,
			Source:    models.EventSourceWorker,
			EventType: "permission.replied",
			Payload:   map[string]interface{}{"request_id": req.RequestID, "decision": string(decision), "rule": string(rule)},
		}); err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record permission.replied event")
		}
	}

	return pending, nil
}

func (e *Executor) loadExecutionPlan(jobID string) (skills.ExecutionPlan, error) {
	absPath, err := e.workspace.Resolve(jobID, filepath.Join(workspace.DirJob, "execution-plan.json"))
	if err != nil {
		return skills.ExecutionPlan{}, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return skills.ExecutionPlan{}, err
	}
	var plan skills.ExecutionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return skills.ExecutionPlan{}, err
	}
	return plan, nil
}

func (e *Executor) writeLastMessage(jobID, text string) error {
	absPath, err := e.workspace.Resolve(jobID, filepath.Join(workspace.DirLogs, "agent-last-message.md"))
	if err != nil {
		return err
	}
	return os.WriteFile(absPath, []byte(text), 0644)
}

// packageAndIndex implements stage 10: build the manifest and zip, then
// index every output and bundle entry.
func (e *Executor) packageAndIndex(ctx context.Context, jobID, sessionID string) error {
	bundleRelPath, bundleSHA256, manifest, err := e.workspace.PackageBundle(ctx, jobID, sessionID)
	if err != nil {
		return fmt.Errorf("package bundle: %w", err)
	}

	for _, entry := range manifest.Entries {
		if !strings.HasPrefix(entry.RelativePath, workspace.DirOutputs+"/") {
			continue
		}
		if err := e.store.UpsertFile(ctx, models.JobFile{
			JobID:        jobID,
			Category:     models.JobFileCategoryOutput,
			RelativePath: entry.RelativePath,
			MimeType:     mimeTypeFor(entry.RelativePath),
			SizeBytes:    entry.Size,
			SHA256:       entry.SHA256,
		}); err != nil {
			return fmt.Errorf("index output %s: %w", entry.RelativePath, err)
		}
	}

	bundleAbsPath, err := e.workspace.Resolve(jobID, bundleRelPath)
	if err != nil {
		return fmt.Errorf("resolve bundle path: %w", err)
	}
	info, err := os.Stat(bundleAbsPath)
	if err != nil {
		return fmt.Errorf("stat bundle: %w", err)
	}
	if err := e.store.UpsertFile(ctx, models.JobFile{
		JobID:        jobID,
		Category:     models.JobFileCategoryBundle,
		RelativePath: bundleRelPath,
		MimeType:     "application/zip",
		SizeBytes:    info.Size(),
		SHA256:       bundleSHA256,
	}); err != nil {
		return fmt.Errorf("index bundle: %w", err)
	}

	if err := e.store.SetResultBundlePath(ctx, jobID, bundleRelPath); err != nil {
		return fmt.Errorf("record result bundle path: %w", err)
	}

	return nil
}

func mimeTypeFor(relativePath string) string {
	switch strings.ToLower(filepath.Ext(relativePath)) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
