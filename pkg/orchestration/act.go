package orchestration

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mattsolo1/grove-narrative/pkg/generation"
	"github.com/mattsolo1/grove-narrative/pkg/narrative"
)

// ActStatus represents the current state of an act within a run.
type ActStatus string

const (
	ActPending     ActStatus = "pending"
	ActResolving   ActStatus = "resolving"
	ActDispatching ActStatus = "dispatching"
	ActCompleted   ActStatus = "completed"
	ActFailed      ActStatus = "failed"
	ActSkipped     ActStatus = "skipped"
)

var actTransitions = map[ActStatus][]ActStatus{
	ActPending:     {ActResolving},
	ActResolving:   {ActDispatching, ActFailed},
	ActDispatching: {ActCompleted, ActFailed, ActSkipped},
}

// IsTerminal reports whether no further transition is possible.
func (s ActStatus) IsTerminal() bool {
	return s == ActCompleted || s == ActFailed || s == ActSkipped
}

// InputStatus is the outcome of gathering one input.
type InputStatus string

const (
	InputResolved InputStatus = "resolved"
	InputSkipped  InputStatus = "skipped"
	// InputPending marks a command still awaiting approval.
	InputPending InputStatus = "approval_pending"
)

// InputRecord is one gathered input as it appears in history.
type InputRecord struct {
	Kind   narrative.InputKind
	Status InputStatus
	Text   string
	Data   []byte
	MIME   string
	// Summary is the short descriptor used once the entry is compacted.
	Summary   string
	Retention narrative.RetentionMode
	Compacted bool
	Dropped   bool
	// Forced is set when the size guardrail compacted the entry.
	Forced bool
}

// Size is the serialized size of the input.
func (r *InputRecord) Size() int {
	return len(r.Text) + len(r.Data)
}

func (r *InputRecord) part() generation.Part {
	if r.Compacted || r.Data == nil {
		return generation.Part{Text: r.visibleText()}
	}
	return generation.Part{Data: r.Data, MIME: r.MIME}
}

func (r *InputRecord) visibleText() string {
	if r.Compacted {
		return r.Summary
	}
	return r.Text
}

// compact applies the retention mode.
func (r *InputRecord) compact() {
	switch r.Retention {
	case narrative.RetentionSummary:
		r.summarize()
	case narrative.RetentionDrop:
		r.Dropped = true
	}
}

func (r *InputRecord) summarize() {
	r.Compacted = true
	r.Text = ""
	r.Data = nil
}

// ActExecution records one act of a run.
type ActExecution struct {
	Act      string
	Status   ActStatus
	Inputs   []*InputRecord
	Output   string
	Model    string
	Usage    generation.Usage
	Err      error
	Started  time.Time
	Finished time.Time

	// Derived is set when Output was assembled from the act's own inputs
	// rather than generated, so compacting an input must hide it too.
	Derived bool
	// OutputCompacted replaces the output with a descriptor in the visible
	// history. Template references keep reading Output.
	OutputCompacted bool
	OutputForced    bool
}

// visibleOutput is the model turn shown to later acts.
func (a *ActExecution) visibleOutput() string {
	if a.OutputCompacted {
		return fmt.Sprintf("[Output: %d chars]", utf8.RuneCountInString(a.Output))
	}
	return a.Output
}

// inputsHidden reports whether any input is no longer visible verbatim.
func (a *ActExecution) inputsHidden() bool {
	for _, in := range a.Inputs {
		if in.Compacted || in.Dropped {
			return true
		}
	}
	return false
}

func newActExecution(name string, now time.Time) *ActExecution {
	return &ActExecution{Act: name, Status: ActPending, Started: now}
}

// transition moves the act to a new status, rejecting moves the state
// machine does not allow.
func (a *ActExecution) transition(to ActStatus) error {
	for _, allowed := range actTransitions[a.Status] {
		if allowed == to {
			a.Status = to
			return nil
		}
	}
	return fmt.Errorf("act %q: invalid status transition %s -> %s", a.Act, a.Status, to)
}

// Warning is a non-fatal finding recorded during a run.
type Warning struct {
	Act     string
	Input   int
	Message string
}

func (w Warning) String() string {
	if w.Input < 0 {
		return fmt.Sprintf("act %q: %s", w.Act, w.Message)
	}
	return fmt.Sprintf("act %q input %d: %s", w.Act, w.Input, w.Message)
}
