package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

const maxShapeKeys = 10

// lookupPath walks path through a JSON document one segment at a time so a
// miss can name the segment that failed and the shape found there.
func lookupPath(doc string, path []string) (gjson.Result, *Problem) {
	if !gjson.Valid(doc) {
		return gjson.Result{}, &Problem{
			Kind:    ProblemFieldPath,
			Message: fmt.Sprintf("field %q not found: output is not structured (text, %d chars)", path[0], len(doc)),
		}
	}
	cur := gjson.Parse(doc)
	for i, seg := range path {
		next := cur.Get(escapePathSegment(seg))
		if !next.Exists() {
			where := "output"
			if i > 0 {
				where = strings.Join(path[:i], ".")
			}
			return gjson.Result{}, &Problem{
				Kind:    ProblemFieldPath,
				Message: fmt.Sprintf("field %q not found in %s (%s)", seg, where, Shape(cur)),
			}
		}
		cur = next
	}
	return cur, nil
}

// Render converts a JSON value to substitution text. Strings are unquoted;
// everything else keeps its JSON form.
func Render(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.String()
	}
	return r.Raw
}

// Shape summarizes a JSON value for error messages.
func Shape(r gjson.Result) string {
	switch {
	case r.IsObject():
		var keys []string
		r.ForEach(func(k, _ gjson.Result) bool {
			keys = append(keys, k.String())
			return true
		})
		sort.Strings(keys)
		more := ""
		if len(keys) > maxShapeKeys {
			more = fmt.Sprintf(", ... %d more", len(keys)-maxShapeKeys)
			keys = keys[:maxShapeKeys]
		}
		return fmt.Sprintf("object with keys [%s%s]", strings.Join(keys, ", "), more)
	case r.IsArray():
		return fmt.Sprintf("array of %d elements", len(r.Array()))
	}
	switch r.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Null:
		return "null"
	}
	return "unknown"
}

func escapePathSegment(seg string) string {
	var sb strings.Builder
	for _, r := range seg {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%', ',', '(', ')', '[', ']', '{', '}':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SplitPath splits a dotted path. The empty string and "." address the whole
// document.
func SplitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" || path == "." {
		return nil
	}
	return strings.Split(path, ".")
}
