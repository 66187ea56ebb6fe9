package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"regline/internal/config"
	"regline/internal/domain"
	"regline/internal/events"
	"regline/internal/repo"
)

// Runner performs one attempt of an automated execution. Implementations
// are registered per policy type on Engine.Runners.
type Runner func(ctx context.Context, exec domain.Execution) error

// TypedError tags a runner failure with the classification retry policies
// match against their non_retryable_errors list.
type TypedError struct {
	Type string
	Err  error
}

func (t TypedError) Error() string {
	if t.Err == nil {
		return t.Type
	}
	return t.Type + ": " + t.Err.Error()
}

func (t TypedError) Unwrap() error { return t.Err }

func classifyError(err error) string {
	var te TypedError
	if errors.As(err, &te) {
		return te.Type
	}
	return "Error"
}

// Enqueue schedules an automated execution for an activity under the named
// retry policy. The attempt runs on the next worker pass; the caller never
// waits on it.
func (e Engine) Enqueue(ctx context.Context, activityID, policyType, payloadJSON, actorID string) (domain.Execution, error) {
	a, err := e.Repo.GetActivity(ctx, activityID)
	if err != nil {
		return domain.Execution{}, err
	}
	cfg, err := e.cycleConfig(ctx, a.CycleID)
	if err != nil {
		return domain.Execution{}, err
	}
	policy, ok := cfg.Retry[policyType]
	if !ok {
		return domain.Execution{}, fmt.Errorf("no retry policy configured for %s", policyType)
	}
	flagged, err := e.Repo.ListViolations(ctx, repo.ViolationFilters{ActivityID: activityID, Open: true})
	if err != nil {
		return domain.Execution{}, err
	}
	for _, v := range flagged {
		if v.ManualIntervention {
			return domain.Execution{}, fmt.Errorf("%w: activity %s has an unresolved escalation", ErrManualIntervention, a.Name)
		}
	}

	nowStr := e.nowStr()
	exec := domain.Execution{
		ID:            uuid.New().String(),
		CycleID:       a.CycleID,
		ReportID:      a.ReportID,
		ActivityID:    a.ID,
		PolicyType:    policyType,
		Status:        "pending",
		Attempt:       0,
		MaxAttempts:   policy.MaxAttempts,
		NextAttemptAt: nowStr,
		PayloadJSON:   payloadJSON,
		CreatedAt:     nowStr,
		UpdatedAt:     nowStr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExecutionTx(ctx, tx, exec); err != nil {
		return exec, err
	}
	if err := e.Events.Append(ctx, tx, events.ExecutionEnqueued, exec.CycleID, exec.ReportID, "execution", exec.ID, actorID, events.EventPayload{
		"activity": a.Name, "policy_type": policyType,
	}); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	return exec, nil
}

// RetryNow makes a waiting execution due immediately.
func (e Engine) RetryNow(ctx context.Context, executionID, actorID string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return exec, err
	}
	switch exec.Status {
	case "pending", "retry_scheduled":
	case "compensation_required", "compensated":
		return exec, fmt.Errorf("%w: execution %s gave up after %d attempts", ErrRetriesExhausted, exec.ID, exec.Attempt)
	default:
		return exec, fmt.Errorf("execution %s is %s; nothing to retry", exec.ID, exec.Status)
	}
	cfg, err := e.cycleConfig(ctx, exec.CycleID)
	if err != nil {
		return exec, err
	}
	if policy, ok := cfg.Retry[exec.PolicyType]; ok && exec.LastErrorType != "" {
		for _, t := range policy.NonRetryable {
			if t == exec.LastErrorType {
				return exec, fmt.Errorf("%w: %s", ErrNonRetryable, exec.LastErrorType)
			}
		}
	}
	if _, err := e.Repo.BumpExecution(ctx, executionID, e.nowStr()); err != nil {
		return exec, err
	}
	return e.Repo.GetExecution(ctx, executionID)
}

// CancelExecution withdraws a pending or scheduled execution.
func (e Engine) CancelExecution(ctx context.Context, executionID, actorID string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return exec, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.CancelExecutionTx(ctx, tx, executionID, e.nowStr())
	if err != nil {
		return exec, err
	}
	if !ok {
		return exec, fmt.Errorf("execution %s is %s; cannot cancel", exec.ID, exec.Status)
	}
	if err := e.Events.Append(ctx, tx, events.ExecutionCancelled, exec.CycleID, exec.ReportID, "execution", exec.ID, actorID, events.EventPayload{}); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	return e.Repo.GetExecution(ctx, executionID)
}

// RunResult summarizes one worker pass over due executions.
type RunResult struct {
	Claimed     int `json:"claimed"`
	Succeeded   int `json:"succeeded"`
	Retried     int `json:"retried"`
	Compensated int `json:"compensated"`
	Cancelled   int `json:"cancelled"`
	Errors      int `json:"errors"`
}

// RunDue claims and runs every due execution once. Concurrent workers are
// safe: the claim is a compare-and-swap, so each attempt runs exactly once.
func (e Engine) RunDue(ctx context.Context, actorID string, limit int) (RunResult, error) {
	var res RunResult
	ids, err := e.Repo.DueExecutionIDs(ctx, e.nowStr(), limit)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.runOne(ctx, id, actorID, &res); err != nil {
			res.Errors++
		}
	}
	return res, nil
}

func (e Engine) runOne(ctx context.Context, executionID, actorID string, res *RunResult) error {
	nowStr := e.nowStr()
	claimed, err := e.Repo.ClaimExecution(ctx, executionID, nowStr)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	res.Claimed++
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	a, err := e.Repo.GetActivity(ctx, exec.ActivityID)
	if err != nil {
		return err
	}
	if a.Status == "complete" {
		return e.cancelClaimed(ctx, exec, actorID, res)
	}
	cfg, err := e.cycleConfig(ctx, exec.CycleID)
	if err != nil {
		return err
	}
	policy, ok := cfg.Retry[exec.PolicyType]
	if !ok {
		return fmt.Errorf("no retry policy configured for %s", exec.PolicyType)
	}

	start := e.now()
	var runErr error
	if runner := e.Runners[exec.PolicyType]; runner != nil {
		runErr = runner(ctx, exec)
	} else {
		runErr = TypedError{Type: "NoRunner", Err: fmt.Errorf("no runner registered for %s", exec.PolicyType)}
	}
	durationMS := e.now().Sub(start).Milliseconds()

	if runErr == nil {
		if err := e.recordSuccess(ctx, exec, durationMS, actorID); err != nil {
			return err
		}
		res.Succeeded++
		if !a.IsManual && a.Status == "in_progress" {
			// best effort: gating may legitimately hold the activity open
			_, _ = e.CompleteActivity(ctx, a.ID, actorID, false)
		}
		return nil
	}

	errType := classifyError(runErr)
	nonRetryable := errors.Is(runErr, ErrNonRetryable)
	for _, t := range policy.NonRetryable {
		if t == errType {
			nonRetryable = true
			break
		}
	}
	if nonRetryable || exec.Attempt >= exec.MaxAttempts {
		reason := "retries_exhausted"
		if nonRetryable {
			reason = "non_retryable"
		}
		if err := e.compensate(ctx, exec, a, policy, errType, runErr.Error(), reason, durationMS, actorID); err != nil {
			return err
		}
		res.Compensated++
		return nil
	}

	delay := policy.InitialIntervalSec * math.Pow(policy.BackoffCoefficient, float64(exec.Attempt-1))
	if delay > policy.MaxIntervalSec {
		delay = policy.MaxIntervalSec
	}
	nextAt := e.now().Add(time.Duration(delay * float64(time.Second))).UTC().Format(time.RFC3339)
	if err := e.recordRetry(ctx, exec, errType, runErr.Error(), delay, nextAt, durationMS, actorID); err != nil {
		return err
	}
	res.Retried++
	return nil
}

func (e Engine) cancelClaimed(ctx context.Context, exec domain.Execution, actorID string, res *RunResult) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.CancelClaimedTx(ctx, tx, exec.ID, e.nowStr()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ExecutionCancelled, exec.CycleID, exec.ReportID, "execution", exec.ID, actorID, events.EventPayload{
		"reason": "activity_complete",
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	res.Cancelled++
	return nil
}

func (e Engine) recordSuccess(ctx context.Context, exec domain.Execution, durationMS int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	nowStr := e.nowStr()
	if _, err := e.Repo.MarkExecutionSucceededTx(ctx, tx, exec.ID, nowStr); err != nil {
		return err
	}
	if err := e.Repo.InsertRetryLogTx(ctx, tx, domain.RetryLogEntry{
		ExecutionID:   exec.ID,
		AttemptNumber: exec.Attempt,
		Success:       true,
		DurationMS:    durationMS,
		CreatedAt:     nowStr,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ExecutionSucceeded, exec.CycleID, exec.ReportID, "execution", exec.ID, actorID, events.EventPayload{
		"attempt": exec.Attempt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) recordRetry(ctx context.Context, exec domain.Execution, errType, errMsg string, delaySec float64, nextAt string, durationMS int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	nowStr := e.nowStr()
	if _, err := e.Repo.ScheduleRetryTx(ctx, tx, exec.ID, nextAt, errType, errMsg, nowStr); err != nil {
		return err
	}
	if err := e.Repo.InsertRetryLogTx(ctx, tx, domain.RetryLogEntry{
		ExecutionID:   exec.ID,
		AttemptNumber: exec.Attempt,
		Success:       false,
		ErrorType:     errType,
		ErrorMessage:  errMsg,
		DurationMS:    durationMS,
		RetryAfterSec: delaySec,
		CreatedAt:     nowStr,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ExecutionRetry, exec.CycleID, exec.ReportID, "execution", exec.ID, actorID, events.EventPayload{
		"attempt": exec.Attempt, "error_type": errType, "retry_after_seconds": delaySec, "next_attempt_at": nextAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// compensate runs the policy's compensation action after the final failed
// attempt, logging what it did in the same transaction.
func (e Engine) compensate(ctx context.Context, exec domain.Execution, a domain.Activity, policy config.RetryPolicy, errType, errMsg, reason string, durationMS int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	nowStr := e.nowStr()
	if _, err := e.Repo.MarkCompensationRequiredTx(ctx, tx, exec.ID, errType, errMsg, nowStr); err != nil {
		return err
	}
	if err := e.Repo.InsertRetryLogTx(ctx, tx, domain.RetryLogEntry{
		ExecutionID:   exec.ID,
		AttemptNumber: exec.Attempt,
		Success:       false,
		ErrorType:     errType,
		ErrorMessage:  errMsg,
		DurationMS:    durationMS,
		CreatedAt:     nowStr,
	}); err != nil {
		return err
	}

	action := policy.Compensation.Action
	if action == "" {
		action = "notify"
	}
	entry := domain.CompensationLogEntry{
		ExecutionID: exec.ID,
		Action:      action,
		Success:     true,
		CreatedAt:   nowStr,
	}
	switch action {
	case "rollback":
		names := policy.Compensation.RollbackPhases
		if len(names) == 0 {
			phase, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
			if err != nil {
				return err
			}
			names = []string{phase.Name}
		}
		rolledBack, err := e.rollbackPhasesTx(ctx, tx, exec.CycleID, exec.ReportID, names, actorID, nowStr)
		if err != nil {
			return err
		}
		entry.PhasesRolledBack = rolledBack
	case "notify":
		entry.ManualIntervention = true
		if policy.Compensation.NotifyRole != "" {
			template := policy.Compensation.Template
			if template == "" {
				template = "execution.failed"
			}
			n := domain.Notification{
				ID:            uuid.New().String(),
				CycleID:       exec.CycleID,
				ReportID:      exec.ReportID,
				RecipientRole: policy.Compensation.NotifyRole,
				TemplateKey:   template,
				ContextJSON: jsonObject(map[string]any{
					"execution_id": exec.ID, "activity_id": exec.ActivityID,
					"policy_type": exec.PolicyType, "reason": reason, "error": errMsg,
				}),
				Status:    "queued",
				CreatedAt: nowStr,
			}
			if err := e.Repo.InsertNotificationTx(ctx, tx, n); err != nil {
				return err
			}
			entry.Notifications = []string{n.ID}
		}
	case "skip":
		if !a.IsOptional {
			a.IsOptional = true
			a.UpdatedAt = nowStr
			if err := e.Repo.UpdateActivityTx(ctx, tx, a); err != nil {
				return err
			}
		}
		if err := e.Events.Append(ctx, tx, events.ActivitySkipped, exec.CycleID, exec.ReportID, "activity", a.ID, actorID, events.EventPayload{
			"activity": a.Name, "reason": reason,
		}); err != nil {
			return err
		}
		if _, err := e.completePhaseIfDoneTx(ctx, tx, a.PhaseID, actorID, nowStr); err != nil {
			return err
		}
	}
	if err := e.Repo.InsertCompensationLogTx(ctx, tx, entry); err != nil {
		return err
	}
	if _, err := e.Repo.MarkCompensatedTx(ctx, tx, exec.ID, nowStr); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.CompensationRun, exec.CycleID, exec.ReportID, "execution", exec.ID, actorID, events.EventPayload{
		"action": action, "reason": reason, "error_type": errType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
