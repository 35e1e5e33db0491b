package template

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

// History exposes the outputs of acts completed so far in a run.
type History interface {
	// Output returns the verbatim output of a completed act.
	Output(act string) (string, bool)
	// Last returns the most recently completed act.
	Last() (act string, output string, ok bool)
}

// StateLookup reads from the run's state scope chain.
type StateLookup interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Resolver substitutes placeholders for one act.
type Resolver struct {
	Act     string
	History History
	State   StateLookup
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// StrictEnv turns a missing environment variable into an error instead
	// of leaving the placeholder text in place.
	StrictEnv bool
}

// Result is a resolved string plus non-fatal findings.
type Result struct {
	Text       string
	MissingEnv []string
}

// Resolve substitutes every placeholder in s. All problems are reported in a
// single *Error. A state backend failure is returned as is.
func (r *Resolver) Resolve(ctx context.Context, s string) (Result, error) {
	var res Result
	problems, err := r.resolveInto(ctx, s, &res)
	if err != nil {
		return Result{}, err
	}
	if len(problems) > 0 {
		return Result{}, newError(r.Act, problems)
	}
	return res, nil
}

func (r *Resolver) resolveInto(ctx context.Context, s string, res *Result) ([]Problem, error) {
	segments, problems := Parse(s)
	var sb strings.Builder
	var visibleKeys []string

	for _, seg := range segments {
		switch seg.Kind {
		case Literal:
			sb.WriteString(seg.Raw)

		case ActRef:
			text, p := r.actValue(seg)
			if p != nil {
				problems = append(problems, *p)
				continue
			}
			sb.WriteString(text)

		case PreviousRef:
			if r.History == nil {
				problems = append(problems, Problem{Kind: ProblemUndefinedAct, Placeholder: seg.Raw, Offset: seg.Offset, Message: "no act has completed before this one"})
				continue
			}
			_, out, ok := r.History.Last()
			if !ok {
				problems = append(problems, Problem{Kind: ProblemUndefinedAct, Placeholder: seg.Raw, Offset: seg.Offset, Message: "no act has completed before this one"})
				continue
			}
			sb.WriteString(out)

		case StateRef:
			if r.State == nil {
				problems = append(problems, Problem{Kind: ProblemStateKey, Placeholder: seg.Raw, Offset: seg.Offset, Message: "no state store is configured"})
				continue
			}
			v, ok, err := r.State.Lookup(ctx, seg.Name)
			if err != nil {
				return nil, err
			}
			if !ok {
				if visibleKeys == nil {
					keys, err := r.State.Keys(ctx)
					if err != nil {
						return nil, err
					}
					visibleKeys = append([]string{}, keys...)
				}
				problems = append(problems, Problem{
					Kind:        ProblemStateKey,
					Placeholder: seg.Raw,
					Offset:      seg.Offset,
					Message:     fmt.Sprintf("state key %q not found; visible keys: %s", seg.Name, formatKeys(visibleKeys)),
				})
				continue
			}
			sb.WriteString(v)

		case EnvRef:
			lookup := r.LookupEnv
			if lookup == nil {
				lookup = os.LookupEnv
			}
			v, ok := lookup(seg.Name)
			if !ok {
				if r.StrictEnv {
					problems = append(problems, Problem{Kind: ProblemEnv, Placeholder: seg.Raw, Offset: seg.Offset, Message: fmt.Sprintf("environment variable %s is not set", seg.Name)})
					continue
				}
				res.MissingEnv = appendUnique(res.MissingEnv, seg.Name)
				sb.WriteString(seg.Raw)
				continue
			}
			sb.WriteString(v)
		}
	}
	res.Text = sb.String()
	return problems, nil
}

func (r *Resolver) actValue(seg Segment) (string, *Problem) {
	if seg.Name == r.Act {
		return "", &Problem{Kind: ProblemSelfReference, Placeholder: seg.Raw, Offset: seg.Offset, Message: fmt.Sprintf("act %q cannot reference its own output", seg.Name)}
	}
	if r.History == nil {
		return "", &Problem{Kind: ProblemUndefinedAct, Placeholder: seg.Raw, Offset: seg.Offset, Message: fmt.Sprintf("act %q has not completed", seg.Name)}
	}
	out, ok := r.History.Output(seg.Name)
	if !ok {
		return "", &Problem{Kind: ProblemUndefinedAct, Placeholder: seg.Raw, Offset: seg.Offset, Message: fmt.Sprintf("act %q has not completed", seg.Name)}
	}
	if len(seg.Path) == 0 {
		return out, nil
	}
	v, p := lookupPath(out, seg.Path)
	if p != nil {
		p.Placeholder = seg.Raw
		p.Offset = seg.Offset
		return "", p
	}
	return Render(v), nil
}

// ResolveValue resolves every string inside v, which may be a string, a
// map[string]any or a []any nested to any depth. Problems from all strings
// are reported together.
func (r *Resolver) ResolveValue(ctx context.Context, v any) (any, Result, error) {
	var res Result
	var problems []Problem
	out, err := r.walk(ctx, v, &res, &problems)
	if err != nil {
		return nil, Result{}, err
	}
	if len(problems) > 0 {
		return nil, Result{}, newError(r.Act, problems)
	}
	return out, res, nil
}

func (r *Resolver) walk(ctx context.Context, v any, res *Result, problems *[]Problem) (any, error) {
	switch val := v.(type) {
	case string:
		var one Result
		ps, err := r.resolveInto(ctx, val, &one)
		if err != nil {
			return nil, err
		}
		*problems = append(*problems, ps...)
		for _, name := range one.MissingEnv {
			res.MissingEnv = appendUnique(res.MissingEnv, name)
		}
		return one.Text, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			resolved, err := r.walk(ctx, val[k], res, problems)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.walk(ctx, item, res, problems)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func formatKeys(keys []string) string {
	if len(keys) == 0 {
		return "(none)"
	}
	return strings.Join(keys, ", ")
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
