package biz

import (
	"errors"
)

// Configuration-time errors block publish and are reported to the
// administrative caller; they never reach runtime evaluation.
var (
	ErrConfigConflict    = errors.New("configuration conflict")
	ErrDanglingReference = errors.New("dangling reference")
	ErrCycleDetected     = errors.New("overlay cycle detected")
	ErrPolicyAmbiguity   = errors.New("policy ambiguity")
)

// Runtime outcomes and faults.
var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotAssignee        = errors.New("principal is not an assignee of the current stage")
	ErrApprovalClosed     = errors.New("approval instance is closed")
	ErrCompilationTimeout = errors.New("compilation timeout")
	ErrUnavailable        = errors.New("store unavailable, retry later")
)
