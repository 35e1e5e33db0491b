package template

import (
	"fmt"
	"strings"
)

// ProblemKind classifies a template problem.
type ProblemKind string

const (
	ProblemSyntax           ProblemKind = "syntax"
	ProblemUndefinedAct     ProblemKind = "undefined_act"
	ProblemForwardReference ProblemKind = "forward_reference"
	ProblemSelfReference    ProblemKind = "self_reference"
	ProblemFieldPath        ProblemKind = "field_path"
	ProblemStateKey         ProblemKind = "state_key"
	ProblemEnv              ProblemKind = "env"
)

// Problem is one unresolvable placeholder.
type Problem struct {
	Kind        ProblemKind
	Placeholder string
	Offset      int
	Message     string
}

func (p Problem) String() string {
	if p.Placeholder == "" {
		return p.Message
	}
	return fmt.Sprintf("%s: %s", p.Placeholder, p.Message)
}

// Error collects every problem found while resolving or validating a
// template.
type Error struct {
	Act      string
	Problems []Problem
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Act != "" {
		fmt.Fprintf(&sb, "act %q: ", e.Act)
	}
	if len(e.Problems) == 1 {
		sb.WriteString("template error: ")
		sb.WriteString(e.Problems[0].String())
		return sb.String()
	}
	fmt.Fprintf(&sb, "%d template errors:", len(e.Problems))
	for _, p := range e.Problems {
		sb.WriteString("\n  - ")
		sb.WriteString(p.String())
	}
	return sb.String()
}

// Has reports whether any problem is of kind k.
func (e *Error) Has(k ProblemKind) bool {
	for _, p := range e.Problems {
		if p.Kind == k {
			return true
		}
	}
	return false
}

func newError(act string, problems []Problem) error {
	if len(problems) == 0 {
		return nil
	}
	return &Error{Act: act, Problems: problems}
}
