// Package errors provides standardized error handling patterns for the
// dynamic mapper.
//
// # Overview
//
// The errors package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable), and
// Fatal (unrecoverable, stop processing). On top of the classification the
// package carries the pipeline error taxonomy: every processing stage failure
// is represented as a ProcessingError tagged with the stage that produced it
// (resolution, extraction, patching, sandbox, dispatch, validation).
//
// The classification integrates with Go's standard error handling patterns,
// supporting errors.Is(), errors.As(), and error wrapping chains.
//
// # Quick Start
//
// Return standard error variables for known conditions:
//
//	if !connected {
//	    return errors.ErrNoConnection
//	}
//
// Wrap errors with component context:
//
//	if err := patcher.Apply(doc, path, value); err != nil {
//	    return errors.Wrap(err, "TemplatePatcher", "Apply", "value substitution")
//	}
//
// Record a stage failure on a processing context:
//
//	out.AddError(errors.NewProcessingError(errors.StagePatching, mapping.ID,
//	    errors.Wrap(err, "Orchestrator", "patch", "target payload")))
//
// Check classification for retry logic:
//
//	if errors.IsTransient(err) {
//	    cfg := errors.DefaultRetryConfig()
//	    _ = retry.Do(ctx, cfg.ToRetryConfig(), operation)
//	}
package errors
