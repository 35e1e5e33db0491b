package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattsolo1/grove-narrative/pkg/narrative"
	"github.com/mattsolo1/grove-narrative/pkg/state"
	"github.com/mattsolo1/grove-narrative/pkg/template"
)

// GenerationInput is the input index reported when the generation call
// itself fails.
const GenerationInput = -1

// ActInputError is a failure of the call backing an act input.
type ActInputError struct {
	Narrative string
	Act       string
	Input     int
	Kind      narrative.InputKind
	Err       error
}

func (e *ActInputError) Error() string {
	if e.Input == GenerationInput {
		return fmt.Sprintf("narrative %q act %q: generation: %v", e.Narrative, e.Act, e.Err)
	}
	return fmt.Sprintf("narrative %q act %q input %d (%s): %v", e.Narrative, e.Act, e.Input, e.Kind, e.Err)
}

func (e *ActInputError) Unwrap() error {
	return e.Err
}

// CompositionError reports a missing or cyclic narrative reference.
type CompositionError = narrative.CompositionError

// isFatal reports errors that abort a run regardless of the required flag.
func isFatal(err error) bool {
	var tErr *template.Error
	var sErr *state.Error
	var cErr *CompositionError
	return errors.As(err, &tErr) || errors.As(err, &sErr) || errors.As(err, &cErr) ||
		errors.Is(err, context.Canceled)
}
