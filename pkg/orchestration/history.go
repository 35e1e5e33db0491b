package orchestration

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattsolo1/grove-narrative/pkg/carousel"
	"github.com/mattsolo1/grove-narrative/pkg/generation"
)

// DefaultCompactionThreshold is the serialized input size above which a
// history entry is always summarized.
const DefaultCompactionThreshold = 16 * 1024

// NarrativeExecution is the append-only record of one narrative run. It
// serves as the resolver's history: template references read the verbatim
// act outputs, while the visible history sent to the generation backend
// decays according to each input's retention mode.
type NarrativeExecution struct {
	RunID     string
	Narrative string
	Acts      []*ActExecution
	// Failed is the act that aborted the run, if any.
	Failed   *ActExecution
	Usage    carousel.Usage
	Warnings []Warning
	Started  time.Time
	Finished time.Time

	mu        sync.Mutex
	threshold int
	onForced  func(act string, input int, size int)
}

func newExecution(runID, name string, threshold int, now time.Time) *NarrativeExecution {
	if threshold <= 0 {
		threshold = DefaultCompactionThreshold
	}
	return &NarrativeExecution{RunID: runID, Narrative: name, Started: now, threshold: threshold}
}

// Output implements template.History.
func (e *NarrativeExecution) Output(act string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.Acts) - 1; i >= 0; i-- {
		if e.Acts[i].Act == act {
			return e.Acts[i].Output, true
		}
	}
	return "", false
}

// Last implements template.History.
func (e *NarrativeExecution) Last() (string, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Acts) == 0 {
		return "", "", false
	}
	last := e.Acts[len(e.Acts)-1]
	return last.Act, last.Output, true
}

// LastOutput returns the final act's output, or "" for an empty run.
func (e *NarrativeExecution) LastOutput() string {
	_, out, _ := e.Last()
	return out
}

// Summary renders one "[act] output" line per completed act.
func (e *NarrativeExecution) Summary() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	lines := make([]string, 0, len(e.Acts))
	for _, a := range e.Acts {
		lines = append(lines, fmt.Sprintf("[%s] %s", a.Act, a.Output))
	}
	return strings.Join(lines, "\n")
}

// append records a finished act. The previously most recent entry ages and
// has its retention applied; inputs and outputs above the size threshold
// are summarized immediately.
func (e *NarrativeExecution) append(act *ActExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.Acts); n > 0 {
		prev := e.Acts[n-1]
		for _, in := range prev.Inputs {
			in.compact()
		}
		if prev.Derived && prev.inputsHidden() {
			prev.OutputCompacted = true
		}
	}
	for i, in := range act.Inputs {
		if !in.Compacted && in.Size() > e.threshold {
			size := in.Size()
			in.summarize()
			in.Forced = true
			e.forced(act.Act, i, fmt.Sprintf("input of %d bytes exceeds the %d byte history threshold and was summarized", size, e.threshold), size)
		}
	}
	if size := len(act.Output); size > e.threshold {
		act.OutputCompacted = true
		act.OutputForced = true
		e.forced(act.Act, GenerationInput, fmt.Sprintf("output of %d bytes exceeds the %d byte history threshold and was summarized", size, e.threshold), size)
	}
	e.Acts = append(e.Acts, act)
}

// forced records a guardrail compaction. Callers hold e.mu.
func (e *NarrativeExecution) forced(act string, input int, msg string, size int) {
	e.Warnings = append(e.Warnings, Warning{Act: act, Input: input, Message: msg})
	if e.onForced != nil {
		e.onForced(act, input, size)
	}
}

func (e *NarrativeExecution) warn(w Warning) {
	e.mu.Lock()
	e.Warnings = append(e.Warnings, w)
	e.mu.Unlock()
}

func (e *NarrativeExecution) addUsage(u carousel.Usage) {
	e.mu.Lock()
	e.Usage = e.Usage.Add(u)
	e.mu.Unlock()
}

func (e *NarrativeExecution) usage() carousel.Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Usage
}

// Messages builds the visible history: for every recorded act, a user
// message with its retained inputs followed by a model message with its
// output, or a descriptor once that output was compacted.
func (e *NarrativeExecution) Messages() []generation.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	var msgs []generation.Message
	for _, a := range e.Acts {
		var parts []generation.Part
		for _, in := range a.Inputs {
			if in.Dropped {
				continue
			}
			parts = append(parts, in.part())
		}
		if len(parts) == 0 {
			parts = []generation.Part{{Text: fmt.Sprintf("[%s: inputs dropped]", a.Act)}}
		}
		msgs = append(msgs,
			generation.Message{Role: generation.RoleUser, Parts: parts},
			generation.Message{Role: generation.RoleModel, Parts: []generation.Part{{Text: a.visibleOutput()}}},
		)
	}
	return msgs
}
