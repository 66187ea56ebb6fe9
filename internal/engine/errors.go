package engine

import "errors"

// Workflow and version errors surfaced to API and CLI callers. Wrap with
// fmt.Errorf("%w: detail", ...) so errors.Is keeps matching.
var (
	ErrPreconditionNotMet    = errors.New("precondition not met")
	ErrAlreadyStarted        = errors.New("already started")
	ErrNotStarted            = errors.New("not started")
	ErrScopeLocked           = errors.New("scope locked")
	ErrEmptyVersion          = errors.New("version has no decisions")
	ErrVersionNotDraft       = errors.New("version not draft")
	ErrPendingApprovalExists = errors.New("pending approval exists")
	ErrStaleVersion          = errors.New("stale version")
	ErrNonRetryable          = errors.New("non-retryable error")
	ErrRetriesExhausted      = errors.New("retries exhausted")
	ErrManualIntervention    = errors.New("manual intervention required")
)
