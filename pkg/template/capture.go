package template

import (
	"sort"

	"github.com/tidwall/gjson"
)

// IdentifierFields is the catalog of well-known identifier fields copied into
// state whenever a bot command succeeds.
var IdentifierFields = []string{
	"id",
	"message_id",
	"channel_id",
	"role_id",
	"user_id",
	"member_id",
	"event_id",
	"sticker_id",
	"webhook_id",
	"thread_id",
	"guild_id",
	"emoji_id",
	"invite_code",
}

// Capture is one state assignment derived from an act result.
type Capture struct {
	Key   string
	Value string
}

// AutoCapture scans a command's JSON result for identifier fields. Each hit
// yields the qualified key <platform>.<command>.<field> followed by the short
// key <field>. Non-object results and non-scalar fields are ignored.
func AutoCapture(platform, command string, result []byte) []Capture {
	if !gjson.ValidBytes(result) {
		return nil
	}
	doc := gjson.ParseBytes(result)
	if !doc.IsObject() {
		return nil
	}

	var captures []Capture
	for _, field := range IdentifierFields {
		v := doc.Get(escapePathSegment(field))
		if v.Type != gjson.String && v.Type != gjson.Number {
			continue
		}
		value := Render(v)
		captures = append(captures,
			Capture{Key: platform + "." + command + "." + field, Value: value},
			Capture{Key: field, Value: value},
		)
	}
	return captures
}

// ExtractCaptures evaluates an explicit output-path to state-key mapping
// against an act's output. Paths are dotted; "" or "." captures the whole
// output. Every missing path is reported.
func ExtractCaptures(output string, mapping map[string]string) ([]Capture, []Problem) {
	var captures []Capture
	var problems []Problem
	for _, path := range sortedKeys(mapping) {
		key := mapping[path]
		segments := SplitPath(path)
		if len(segments) == 0 {
			captures = append(captures, Capture{Key: key, Value: output})
			continue
		}
		v, p := lookupPath(output, segments)
		if p != nil {
			p.Placeholder = "state_capture " + path
			problems = append(problems, *p)
			continue
		}
		captures = append(captures, Capture{Key: key, Value: Render(v)})
	}
	return captures, problems
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
