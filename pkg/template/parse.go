// Package template resolves placeholders in act inputs against prior act
// outputs, scoped state and the environment.
//
// Recognized forms:
//
//	{{act}}               raw output of a completed act
//	{{act.path.to.field}} field of a completed act's JSON output
//	${state:key}          value from the state scope chain
//	${previous}           output of the immediately preceding act
//	${NAME}               environment variable
package template

import (
	"regexp"
	"strings"
)

// SegmentKind classifies a parsed piece of a template.
type SegmentKind int

const (
	Literal SegmentKind = iota
	ActRef
	StateRef
	PreviousRef
	EnvRef
)

// Segment is one literal run or placeholder.
type Segment struct {
	Kind SegmentKind
	// Raw is the literal text, or the full placeholder including delimiters.
	Raw    string
	Name   string
	Path   []string
	Offset int
}

var (
	actNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
	envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidActName reports whether name can be referenced from a template.
func ValidActName(name string) bool {
	return actNamePattern.MatchString(name)
}

// Parse splits s into segments in a single left-to-right pass. Syntax
// problems are collected rather than stopping the scan; the offending text is
// kept as a literal segment.
func Parse(s string) ([]Segment, []Problem) {
	var (
		segments []Segment
		problems []Problem
		literal  strings.Builder
		litStart int
	)

	flush := func() {
		if literal.Len() > 0 {
			segments = append(segments, Segment{Kind: Literal, Raw: literal.String(), Offset: litStart})
			literal.Reset()
		}
	}
	appendLiteral := func(text string, at int) {
		if literal.Len() == 0 {
			litStart = at
		}
		literal.WriteString(text)
	}

	i := 0
	for i < len(s) {
		open := nextOpening(s, i)
		if open < 0 {
			appendLiteral(s[i:], i)
			break
		}
		if open > i {
			appendLiteral(s[i:open], i)
		}

		if strings.HasPrefix(s[open:], "{{") {
			end := strings.Index(s[open+2:], "}}")
			if end < 0 {
				problems = append(problems, Problem{
					Kind:        ProblemSyntax,
					Placeholder: s[open:],
					Offset:      open,
					Message:     "unterminated placeholder, missing '}}'",
				})
				appendLiteral(s[open:], open)
				break
			}
			raw := s[open : open+2+end+2]
			seg, problem := parseActRef(raw, strings.TrimSpace(s[open+2:open+2+end]), open)
			if problem != nil {
				problems = append(problems, *problem)
				appendLiteral(raw, open)
			} else {
				flush()
				segments = append(segments, seg)
			}
			i = open + len(raw)
			continue
		}

		// "${"
		end := strings.IndexByte(s[open+2:], '}')
		if end < 0 {
			appendLiteral(s[open:], open)
			break
		}
		raw := s[open : open+2+end+1]
		body := s[open+2 : open+2+end]
		seg, problem, ok := parseDollar(raw, body, open)
		switch {
		case problem != nil:
			problems = append(problems, *problem)
			appendLiteral(raw, open)
		case !ok:
			appendLiteral(raw, open)
		default:
			flush()
			segments = append(segments, seg)
		}
		i = open + len(raw)
	}
	flush()
	return segments, problems
}

func nextOpening(s string, from int) int {
	a := strings.Index(s[from:], "{{")
	b := strings.Index(s[from:], "${")
	switch {
	case a < 0 && b < 0:
		return -1
	case a < 0:
		return from + b
	case b < 0:
		return from + a
	case a < b:
		return from + a
	default:
		return from + b
	}
}

func parseActRef(raw, body string, offset int) (Segment, *Problem) {
	parts := strings.Split(body, ".")
	if !actNamePattern.MatchString(parts[0]) {
		return Segment{}, &Problem{
			Kind:        ProblemSyntax,
			Placeholder: raw,
			Offset:      offset,
			Message:     "invalid act reference, expected {{act}} or {{act.field}}",
		}
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Segment{}, &Problem{
				Kind:        ProblemSyntax,
				Placeholder: raw,
				Offset:      offset,
				Message:     "empty segment in field path",
			}
		}
	}
	return Segment{Kind: ActRef, Raw: raw, Name: parts[0], Path: parts[1:], Offset: offset}, nil
}

// parseDollar returns ok=false for text that is not a placeholder, such as
// "${not a name}", which is copied through unchanged.
func parseDollar(raw, body string, offset int) (Segment, *Problem, bool) {
	switch {
	case body == "previous":
		return Segment{Kind: PreviousRef, Raw: raw, Offset: offset}, nil, true
	case strings.HasPrefix(body, "state:"):
		key := strings.TrimSpace(strings.TrimPrefix(body, "state:"))
		if key == "" {
			return Segment{}, &Problem{
				Kind:        ProblemSyntax,
				Placeholder: raw,
				Offset:      offset,
				Message:     "empty state key",
			}, false
		}
		return Segment{Kind: StateRef, Raw: raw, Name: key, Offset: offset}, nil, true
	case envNamePattern.MatchString(body):
		return Segment{Kind: EnvRef, Raw: raw, Name: body, Offset: offset}, nil, true
	}
	return Segment{}, nil, false
}

// References returns the act names referenced by s via {{...}}.
func References(s string) []string {
	segments, _ := Parse(s)
	var names []string
	for _, seg := range segments {
		if seg.Kind == ActRef {
			names = append(names, seg.Name)
		}
	}
	return names
}
