package models

import "time"

// WorkflowStats are the rolling counters the engine maintains per definition.
type WorkflowStats struct {
	ExecutionCount  int64      `json:"execution_count"`
	SuccessCount    int64      `json:"success_count"`
	FailureCount    int64      `json:"failure_count"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
	AvgExecutionMs  float64    `json:"avg_execution_ms"`
}

// ExecutionOutcome is the part of a finished execution that feeds the stats.
type ExecutionOutcome struct {
	Status     ExecutionStatus `json:"status"`
	DurationMs float64         `json:"duration_ms"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Outcome summarises the record for a stats update.
func (r *ExecutionRecord) Outcome() ExecutionOutcome {
	return ExecutionOutcome{
		Status:     r.Status,
		DurationMs: float64(r.DurationMs),
		FinishedAt: r.FinishedAt,
	}
}

// Apply folds one execution into the counters. Callers serialise calls per definition.
func (s *WorkflowStats) Apply(outcome ExecutionOutcome) {
	s.ExecutionCount++

	switch outcome.Status {
	case ExecutionStatusSuccess:
		s.SuccessCount++
	case ExecutionStatusFailure, ExecutionStatusTimeout:
		s.FailureCount++
	case ExecutionStatusPartialFailure:
	}

	s.AvgExecutionMs += (outcome.DurationMs - s.AvgExecutionMs) / float64(s.ExecutionCount)

	finishedAt := outcome.FinishedAt
	s.LastExecutionAt = &finishedAt
}
