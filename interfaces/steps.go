package interfaces

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepName identifies one stage of the provisioning workflow.
type StepName string

const (
	StepInit           StepName = "Init"
	StepCreateDatabase StepName = "CreateDatabase"
	StepApplySchema    StepName = "ApplySchema"
	StepSeed           StepName = "Seed"
	StepReady          StepName = "Ready"
)

// WorkflowSteps lists the steps in execution order.
var WorkflowSteps = []StepName{StepInit, StepCreateDatabase, StepApplySchema, StepSeed, StepReady}

// Order returns the position of the step in the workflow, or -1.
func (s StepName) Order() int {
	for i, step := range WorkflowSteps {
		if step == s {
			return i
		}
	}
	return -1
}

// StepStatus is the state of a single step attempt.
type StepStatus string

const (
	StepPending StepStatus = "Pending"
	StepRunning StepStatus = "Running"
	StepSuccess StepStatus = "Success"
	StepFailed  StepStatus = "Failed"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepRunning},
	StepRunning: {StepSuccess, StepFailed},
	StepSuccess: nil,
	StepFailed:  nil,
}

// CanTransitionTo reports whether a step attempt may move from s to to.
// Success and Failed are final; a retry is recorded as a new attempt.
func (s StepStatus) CanTransitionTo(to StepStatus) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when s -> to is not allowed.
func (s StepStatus) ValidateTransition(to StepStatus) error {
	if !s.CanTransitionTo(to) {
		return fmt.Errorf("%w: step %s -> %s", ErrInvalidTransition, s, to)
	}
	return nil
}

// ProvisioningStep is one row of a tenant's append-only provisioning log.
type ProvisioningStep struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Seq         int
	Step        StepName
	Attempt     int
	Status      StepStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Message     string
	Error       string
}

// ResumePoint returns the first workflow step without a successful attempt.
// It returns "" when every step has completed.
func ResumePoint(log []*ProvisioningStep) StepName {
	done := make(map[StepName]bool, len(WorkflowSteps))
	for _, row := range log {
		if row.Status == StepSuccess {
			done[row.Step] = true
		}
	}
	for _, step := range WorkflowSteps {
		if !done[step] {
			return step
		}
	}
	return ""
}

// NextAttempt returns the attempt number for a new row of step.
func NextAttempt(log []*ProvisioningStep, step StepName) int {
	attempt := 0
	for _, row := range log {
		if row.Step == step && row.Attempt > attempt {
			attempt = row.Attempt
		}
	}
	return attempt + 1
}
