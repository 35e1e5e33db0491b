package template

import "fmt"

// Schedule is the static view of a narrative's step order used to reject
// references before anything runs.
type Schedule struct {
	// Position maps each scheduled act to its index in the step order.
	Position map[string]int
	// Declared holds every act defined in the narrative, scheduled or not.
	Declared map[string]bool
}

// NewSchedule builds a schedule from a step order and the declared acts.
func NewSchedule(steps []string, declared []string) Schedule {
	s := Schedule{Position: make(map[string]int, len(steps)), Declared: make(map[string]bool, len(declared))}
	for i, name := range steps {
		if _, dup := s.Position[name]; !dup {
			s.Position[name] = i
		}
	}
	for _, name := range declared {
		s.Declared[name] = true
	}
	return s
}

// Check reports every placeholder in s that act could never resolve at its
// position: syntax errors, self references, references to acts scheduled at
// or after it, references to unknown or unscheduled acts, and ${previous} in
// the first act.
func (s Schedule) Check(act, text string) []Problem {
	segments, problems := Parse(text)
	pos, scheduled := s.Position[act]

	for _, seg := range segments {
		switch seg.Kind {
		case ActRef:
			if seg.Name == act {
				problems = append(problems, Problem{Kind: ProblemSelfReference, Placeholder: seg.Raw, Offset: seg.Offset, Message: fmt.Sprintf("act %q cannot reference its own output", act)})
				continue
			}
			refPos, ok := s.Position[seg.Name]
			switch {
			case !ok && s.Declared[seg.Name]:
				problems = append(problems, Problem{Kind: ProblemUndefinedAct, Placeholder: seg.Raw, Offset: seg.Offset, Message: fmt.Sprintf("act %q is declared but not in the step order", seg.Name)})
			case !ok:
				problems = append(problems, Problem{Kind: ProblemUndefinedAct, Placeholder: seg.Raw, Offset: seg.Offset, Message: fmt.Sprintf("undefined act %q", seg.Name)})
			case scheduled && refPos >= pos:
				problems = append(problems, Problem{Kind: ProblemForwardReference, Placeholder: seg.Raw, Offset: seg.Offset, Message: fmt.Sprintf("act %q runs at step %d, not before %q at step %d", seg.Name, refPos+1, act, pos+1)})
			}
		case PreviousRef:
			if scheduled && pos == 0 {
				problems = append(problems, Problem{Kind: ProblemUndefinedAct, Placeholder: seg.Raw, Offset: seg.Offset, Message: "first act has no previous act"})
			}
		}
	}
	return problems
}

// CheckValue applies Check to every string inside v.
func (s Schedule) CheckValue(act string, v any) []Problem {
	var problems []Problem
	switch val := v.(type) {
	case string:
		problems = append(problems, s.Check(act, val)...)
	case map[string]any:
		for _, k := range sortedKeys(val) {
			problems = append(problems, s.CheckValue(act, val[k])...)
		}
	case []any:
		for _, item := range val {
			problems = append(problems, s.CheckValue(act, item)...)
		}
	}
	return problems
}

// Errorf wraps problems for act into an *Error, or returns nil.
func Errorf(act string, problems []Problem) error {
	return newError(act, problems)
}
