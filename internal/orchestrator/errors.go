package orchestrator

import (
	"errors"
	"fmt"
)

// ErrNoPersona is returned when a turn arrives and no persona is
// configured to speak.
var ErrNoPersona = errors.New("no persona configured")

// ValidationError reports bad input to a pipeline stage. It always fires
// before any side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PromptBuildError wraps a failure while assembling the prompt payload.
type PromptBuildError struct {
	Err error
}

func (e *PromptBuildError) Error() string {
	return fmt.Sprintf("prompt build failed: %v", e.Err)
}

func (e *PromptBuildError) Unwrap() error { return e.Err }

// LlmCallError wraps a transport or provider failure from the narrative
// model. Retry policy, if any, lives in the model client.
type LlmCallError struct {
	Model string
	Err   error
}

func (e *LlmCallError) Error() string {
	return fmt.Sprintf("llm call failed (model %s): %v", e.Model, e.Err)
}

func (e *LlmCallError) Unwrap() error { return e.Err }

// InvalidResponseFormatError reports a model payload that does not conform
// to the structured-output contract. There is no partial acceptance.
type InvalidResponseFormatError struct {
	Reason string
	Err    error
}

func (e *InvalidResponseFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid model response: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid model response: %s", e.Reason)
}

func (e *InvalidResponseFormatError) Unwrap() error { return e.Err }

// FinalizationError wraps any failure while persisting the turn or shaping
// the protocol response. Tool side effects have already happened and are
// not rolled back.
type FinalizationError struct {
	Err error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("turn finalization failed: %v", e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }
