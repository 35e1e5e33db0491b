package narrative

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattsolo1/grove-narrative/pkg/state"
	"github.com/mattsolo1/grove-narrative/pkg/template"
)

// CompositionError reports a missing or cyclic narrative reference. Chain is
// the sequence of narratives entered, ending at the offending reference.
type CompositionError struct {
	Chain   []string
	Missing bool
}

func (e *CompositionError) Error() string {
	target := e.Chain[len(e.Chain)-1]
	if e.Missing {
		if len(e.Chain) == 1 {
			return fmt.Sprintf("composition error: narrative %q not found", target)
		}
		return fmt.Sprintf("composition error: narrative %q not found (referenced via %s)", target, strings.Join(e.Chain[:len(e.Chain)-1], " -> "))
	}
	return fmt.Sprintf("composition error: cycle %s", strings.Join(e.Chain, " -> "))
}

// Validate checks every narrative statically and returns all problems
// joined. Forward, self and undefined act references are rejected here,
// before any act runs.
func (l *Library) Validate() error {
	var errs []error
	for _, name := range l.Names() {
		errs = append(errs, l.validateNarrative(l.narratives[name])...)
	}
	errs = append(errs, l.checkComposition()...)
	return errors.Join(errs...)
}

// Warnings lists non-fatal findings such as acts left out of the step order.
func (l *Library) Warnings() []string {
	var warnings []string
	for _, name := range l.Names() {
		n := l.narratives[name]
		if len(n.Steps) == 0 {
			continue
		}
		scheduled := make(map[string]bool, len(n.Steps))
		for _, s := range n.Steps {
			scheduled[s] = true
		}
		for _, a := range n.Acts {
			if !scheduled[a.Name] {
				warnings = append(warnings, fmt.Sprintf("narrative %q: act %q is not in the step order and will not run", name, a.Name))
			}
		}
	}
	return warnings
}

func (l *Library) validateNarrative(n *Narrative) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("narrative %q: "+format, append([]any{n.Name}, args...)...))
	}

	if !template.ValidActName(n.Name) {
		fail("invalid narrative name")
	}
	if len(n.Acts) == 0 {
		fail("has no acts")
		return errs
	}
	if _, err := state.ParseScope(n.StateScope, n.Name); err != nil {
		fail("%v", err)
	}
	if n.Carousel != nil {
		if err := n.Carousel.Validate(); err != nil {
			fail("carousel: %v", err)
		}
		for _, a := range n.Carousel.Acts {
			if _, ok := n.Act(a); !ok {
				fail("carousel references unknown act %q", a)
			}
		}
	}

	declared := make([]string, 0, len(n.Acts))
	seen := make(map[string]bool)
	for _, a := range n.Acts {
		if seen[a.Name] {
			fail("act %q declared twice", a.Name)
		}
		seen[a.Name] = true
		declared = append(declared, a.Name)
	}

	order := n.Order()
	inSteps := make(map[string]bool)
	for _, s := range order {
		if !seen[s] {
			fail("step %q does not name a declared act", s)
		}
		if inSteps[s] {
			fail("step %q appears more than once", s)
		}
		inSteps[s] = true
	}

	schedule := template.NewSchedule(order, declared)
	for _, a := range n.Acts {
		for _, err := range l.validateAct(n, a, schedule) {
			errs = append(errs, fmt.Errorf("narrative %q act %q: %w", n.Name, a.Name, err))
		}
	}
	return errs
}

func (l *Library) validateAct(n *Narrative, a *Act, schedule template.Schedule) []error {
	var errs []error
	if !template.ValidActName(a.Name) {
		errs = append(errs, fmt.Errorf("invalid act name"))
	}
	if len(a.Inputs) == 0 {
		errs = append(errs, fmt.Errorf("has no inputs"))
	}
	if !a.HistoryRetention.Valid() {
		errs = append(errs, fmt.Errorf("unknown history_retention %q", a.HistoryRetention))
	}
	for path, key := range a.StateCapture {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Errorf("state_capture path %q has an empty key", path))
		}
	}
	if a.Carousel != nil {
		if err := a.Carousel.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("carousel: %w", err))
		}
	}

	var problems []template.Problem
	for i := range a.Inputs {
		in := &a.Inputs[i]
		kind, err := in.Kind()
		if err != nil {
			errs = append(errs, fmt.Errorf("input %d: %w", i, err))
			continue
		}
		if !in.Retention.Valid() {
			errs = append(errs, fmt.Errorf("input %d: unknown retention %q", i, in.Retention))
		}
		if err := l.validateInput(kind, in); err != nil {
			errs = append(errs, fmt.Errorf("input %d: %w", i, err))
		}
		problems = append(problems, checkInputTemplates(schedule, a.Name, kind, in)...)
	}
	if err := template.Errorf(a.Name, problems); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (l *Library) validateInput(kind InputKind, in *Input) error {
	switch kind {
	case InputImage:
		if in.Image.Path == "" && in.Image.Data == "" {
			return errors.New("image needs path or data")
		}
	case InputBotCommand:
		if in.BotCommand.Platform == "" || in.BotCommand.Command == "" {
			return errors.New("bot_command needs platform and command")
		}
		if in.BotCommand.CacheFor < 0 {
			return errors.New("bot_command cache_for must not be negative")
		}
	case InputTable:
		q := in.Table
		if q.Table == "" {
			return errors.New("table query needs a table name")
		}
		switch q.Format {
		case "", FormatJSON, FormatTable, FormatCSV:
		default:
			return fmt.Errorf("unknown table format %q", q.Format)
		}
		if q.Limit < 0 || q.Offset < 0 {
			return errors.New("table limit and offset must not be negative")
		}
	case InputNarrative:
		switch in.Narrative.Result {
		case "", ResultLast, ResultSummary:
		default:
			return fmt.Errorf("unknown narrative result mode %q", in.Narrative.Result)
		}
		if _, ok := l.narratives[in.Narrative.Name]; !ok {
			return &CompositionError{Chain: []string{in.Narrative.Name}, Missing: true}
		}
	}
	return nil
}

func checkInputTemplates(s template.Schedule, act string, kind InputKind, in *Input) []template.Problem {
	switch kind {
	case InputText:
		return s.Check(act, *in.Text)
	case InputImage:
		return s.Check(act, in.Image.Path)
	case InputBotCommand:
		return s.CheckValue(act, in.BotCommand.Args)
	case InputTable:
		return s.CheckValue(act, in.Table.Filter)
	}
	return nil
}

// checkComposition finds reference cycles between narratives with a
// depth-first search.
func (l *Library) checkComposition() []error {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int)
	var errs []error
	var stack []string

	var visit func(name string)
	visit = func(name string) {
		color[name] = visiting
		stack = append(stack, name)
		for _, ref := range l.references(name) {
			if _, ok := l.narratives[ref]; !ok {
				continue // reported by validateInput
			}
			switch color[ref] {
			case visiting:
				start := 0
				for i, s := range stack {
					if s == ref {
						start = i
					}
				}
				chain := append(append([]string{}, stack[start:]...), ref)
				errs = append(errs, &CompositionError{Chain: chain})
			case unvisited:
				visit(ref)
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = done
	}

	for _, name := range l.Names() {
		if color[name] == unvisited {
			visit(name)
		}
	}
	return errs
}

func (l *Library) references(name string) []string {
	var refs []string
	for _, a := range l.narratives[name].Acts {
		for _, in := range a.Inputs {
			if in.Narrative != nil {
				refs = append(refs, in.Narrative.Name)
			}
		}
	}
	return refs
}
