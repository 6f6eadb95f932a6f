package errors

import (
	"errors"
	"fmt"
)

// Stage identifies the pipeline stage that produced a processing error.
type Stage int

const (
	// StageResolution covers topic pattern matching and mapping lookup
	StageResolution Stage = iota
	// StageEnrichment covers payload enrichment and identity resolution
	StageEnrichment
	// StageExtraction covers source path evaluation and script execution
	StageExtraction
	// StagePatching covers target template patching
	StagePatching
	// StageDispatch covers handing requests to the transport sender
	StageDispatch
	// StageValidation covers mapping definition validation; validation errors
	// are surfaced to mapping CRUD callers and never reach the pipeline
	StageValidation
)

// String returns the string representation of Stage
func (s Stage) String() string {
	switch s {
	case StageResolution:
		return "resolution"
	case StageEnrichment:
		return "enrichment"
	case StageExtraction:
		return "extraction"
	case StagePatching:
		return "patching"
	case StageDispatch:
		return "dispatch"
	case StageValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// ProcessingError is a pipeline-stage failure attributable to one mapping.
// Stage errors are accumulated on the processing context rather than thrown
// past the stage boundary, so sibling mappings for the same message are
// unaffected by one mapping's failure.
type ProcessingError struct {
	Stage      Stage
	MappingID  string
	PathTarget string // set for patch errors attributable to a target path
	Err        error
}

// NewProcessingError creates a stage-tagged processing error for a mapping.
func NewProcessingError(stage Stage, mappingID string, err error) *ProcessingError {
	return &ProcessingError{Stage: stage, MappingID: mappingID, Err: err}
}

// NewPatchError creates a patching error attributable to a specific target path.
func NewPatchError(mappingID, pathTarget string, err error) *ProcessingError {
	return &ProcessingError{Stage: StagePatching, MappingID: mappingID, PathTarget: pathTarget, Err: err}
}

// Error implements the error interface
func (pe *ProcessingError) Error() string {
	if pe.PathTarget != "" {
		return fmt.Sprintf("%s error for mapping %s at path %s: %v", pe.Stage, pe.MappingID, pe.PathTarget, pe.Err)
	}
	return fmt.Sprintf("%s error for mapping %s: %v", pe.Stage, pe.MappingID, pe.Err)
}

// Unwrap returns the underlying error
func (pe *ProcessingError) Unwrap() error {
	return pe.Err
}

// IsSandboxTimeout reports whether err is a CPU budget violation from the
// script sandbox. Timeouts are classified separately from script runtime
// errors: a timeout forcibly tears down the sandbox, a runtime error does not.
func IsSandboxTimeout(err error) bool {
	return errors.Is(err, ErrSandboxTimeout)
}

// IsExternalIDNotFound reports whether err means the device identity is
// unknown to the directory, as opposed to the directory being unreachable.
func IsExternalIDNotFound(err error) bool {
	return errors.Is(err, ErrExternalIDNotFound)
}

// StageOf extracts the pipeline stage from an error chain. The second return
// is false when the chain carries no ProcessingError.
func StageOf(err error) (Stage, bool) {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Stage, true
	}
	return 0, false
}
