package models

import "errors"

var (
	// ErrInvalidWorkflow is returned when a workflow definition fails validation.
	ErrInvalidWorkflow = errors.New("invalid workflow definition")

	// ErrInvalidTrigger is returned when a trigger config does not match its type.
	ErrInvalidTrigger = errors.New("invalid trigger configuration")

	// ErrInvalidCondition is returned for malformed condition trees.
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrInvalidSchedule is returned when schedule validation fails.
	ErrInvalidSchedule = errors.New("invalid schedule configuration")

	// ErrInvalidEvent is returned when an inbound event is missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
)
