// Package diarize orchestrates the offline speaker diarization pipeline:
// segmentation, mask conditioning, embedding extraction, two-stage
// clustering, and timeline reconstruction.
package diarize

import (
	"context"
	"fmt"
)

// Kind classifies the failure modes the pipeline can surface. Every
// exported entry point returns *Error so callers can switch on Kind instead
// of string-matching error text.
type Kind int

const (
	// KindInvalidConfiguration marks a configuration value outside its
	// documented bounds, surfaced at init from Config.Validate.
	KindInvalidConfiguration Kind = iota
	// KindModelNotLoaded marks a neural model handle that was never
	// attached before an operation tried to use it.
	KindModelNotLoaded
	// KindModelShape marks a model input/output tensor that could not be
	// interpreted under its documented contract.
	KindModelShape
	// KindInvalidBatchSize marks an embedding batch size outside [1,32].
	KindInvalidBatchSize
	// KindProcessingFailed marks a generic internal failure: NaN in a
	// distance computation, a dendrogram routine error, an unexpected
	// shape surfacing past model validation.
	KindProcessingFailed
	// KindNoSpeechDetected marks an empty input or an input that produced
	// no usable speaker masks, distinguished from KindProcessingFailed so
	// callers can tell silence apart from corruption.
	KindNoSpeechDetected
	// KindExportFailed marks a failure of the optional embedding export
	// side channel; it never fails the core pipeline result.
	KindExportFailed
	// KindCancelled marks cooperative cancellation observed at a
	// suspension point.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfiguration:
		return "InvalidConfiguration"
	case KindModelNotLoaded:
		return "ModelNotLoaded"
	case KindModelShape:
		return "ModelShape"
	case KindInvalidBatchSize:
		return "InvalidBatchSize"
	case KindProcessingFailed:
		return "ProcessingFailed"
	case KindNoSpeechDetected:
		return "NoSpeechDetected"
	case KindExportFailed:
		return "ExportFailed"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the single error type every exported API in this module
// returns. Field and Value are populated for KindInvalidConfiguration;
// Name is populated for KindModelNotLoaded/KindModelShape.
type Error struct {
	Kind   Kind
	Name   string // model/component name, when relevant
	Field  string // config field, for KindInvalidConfiguration
	Value  any    // offending config value, for KindInvalidConfiguration
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidConfiguration:
		return fmt.Sprintf("%s: field %q = %v: %s", e.Kind, e.Field, e.Value, e.Reason)
	case KindModelNotLoaded, KindModelShape:
		if e.Name != "" {
			return fmt.Sprintf("%s(%s): %s", e.Kind, e.Name, e.Reason)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	default:
		if e.Reason == "" && e.Err != nil {
			return fmt.Sprintf("%s: %s", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func errInvalidConfig(field string, value any, reason string) *Error {
	return &Error{Kind: KindInvalidConfiguration, Field: field, Value: value, Reason: reason}
}

func errModelShape(name, reason string) *Error {
	return &Error{Kind: KindModelShape, Name: name, Reason: reason}
}

func errProcessingFailed(reason string, err error) *Error {
	return newErr(KindProcessingFailed, reason, err)
}

func errNoSpeech(reason string) *Error {
	return newErr(KindNoSpeechDetected, reason, nil)
}

func errCancelled() *Error {
	return newErr(KindCancelled, "operation cancelled", context.Canceled)
}
