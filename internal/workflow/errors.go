package workflow

import "errors"

var (
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrInvalidDecision    = errors.New("invalid approval decision")
	ErrRunNotFound        = errors.New("run not found")
	ErrNotWaitingApproval = errors.New("run is not waiting for approval")
	ErrTerminal           = errors.New("run already finished")
	ErrPersist            = errors.New("persist workflow state")
)
