package types

import (
	"errors"
	"fmt"
)

// Error kinds. Every per-item failure matches exactly one of these via errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrImagePreparation = errors.New("image preparation failed")
	ErrGeneration       = errors.New("generation failed")
	ErrPersistence      = errors.New("persistence failed")
	ErrConsistency      = errors.New("consistency check failed")
)

// Search result errors
var (
	ErrInvalidIconID         = errors.New("invalid icon ID")
	ErrInvalidRank           = errors.New("rank must be >= 1")
	ErrInvalidRelevanceScore = errors.New("relevance score must be a finite number")
	ErrMissingName           = errors.New("name is required")
)

// Stage identifies where in the pipeline an item failed.
// The values are the step names written to error files.
type Stage string

const (
	StageValidation       Stage = "validation"
	StageImagePreparation Stage = "image_preparation"
	StageVisionAPI        Stage = "vision_api"
	StageEmbedding        Stage = "embedding"
	StageGeneralException Stage = "general_exception"
)

// ItemError is the failure outcome of processing a single item
type ItemError struct {
	Stage Stage
	Name  string
	Err   error
}

// NewItemError wraps err as a failure of the named item at stage
func NewItemError(stage Stage, name string, err error) *ItemError {
	return &ItemError{Stage: stage, Name: name, Err: err}
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Name, e.Stage, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause
func (e *ItemError) Unwrap() []error {
	if kind := e.Stage.Kind(); kind != nil {
		return []error{kind, e.Err}
	}
	return []error{e.Err}
}

// Kind maps a stage to its error kind; unexpected failures have none
func (s Stage) Kind() error {
	switch s {
	case StageValidation:
		return ErrValidation
	case StageImagePreparation:
		return ErrImagePreparation
	case StageVisionAPI, StageEmbedding:
		return ErrGeneration
	default:
		return nil
	}
}
