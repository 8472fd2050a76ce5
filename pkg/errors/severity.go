// Package errors provides the pipeline's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindConnectivity
	KindTracking
	KindDataSource
	KindValidation
	KindArtifact
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnectivity:
		return "connectivity"
	case KindTracking:
		return "tracking"
	case KindDataSource:
		return "data-source"
	case KindValidation:
		return "validation"
	case KindArtifact:
		return "artifact"
	default:
		return "unknown"
	}
}

// Fatal reports whether a failure of this kind aborts the run.
// Connectivity failures fall back to a local store and artifact
// uploads are best-effort.
func (k Kind) Fatal() bool {
	return k != KindConnectivity && k != KindArtifact
}

// PipelineError is a structured error with the stage it came from.
type PipelineError struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(e.Kind.String())
	sb.WriteString("]")
	if e.Stage != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Stage)
		sb.WriteString(":")
	}
	if e.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *PipelineError) Unwrap() error { return e.Err }

// New creates a PipelineError.
func New(kind Kind, stage, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Message: message, Err: err}
}

// Wrap annotates err with kind and stage. Returns nil for a nil err.
func Wrap(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the Kind of the outermost PipelineError in err's chain.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var mc *MissingColumnsError
	if errors.As(err, &mc) {
		return KindValidation
	}
	return KindUnknown
}

// MissingColumnsError is returned when a frame lacks required columns.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns: [%s]", strings.Join(e.Columns, ", "))
}

// FieldError lists configuration paths that failed validation.
type FieldError struct {
	Problems []string
}

func (e *FieldError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}
