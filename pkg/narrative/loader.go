package narrative

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes one definition document. Unknown fields are rejected so
// typos surface at load time.
func Parse(data []byte, source string) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse narrative document %s: %w", source, err)
	}
	doc.Source = source
	for name, n := range doc.Narratives {
		if n == nil {
			return nil, fmt.Errorf("parse narrative document %s: narrative %q is empty", source, name)
		}
		n.Name = name
	}
	return &doc, nil
}

// LoadFile reads and parses one definition document.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read narrative file: %w", err)
	}
	return Parse(data, path)
}

// Library is the merged, reference-resolved set of narratives from one or
// more documents.
type Library struct {
	narratives map[string]*Narrative
	sources    map[string]string
	resources  Resources
}

// LoadLibrary loads every path; directories contribute their *.yml and
// *.yaml files.
func LoadLibrary(paths ...string) (*Library, error) {
	var docs []*Document
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("narrative path not found: %w", err)
		}
		files := []string{p}
		if info.IsDir() {
			files, err = definitionFiles(p)
			if err != nil {
				return nil, err
			}
		}
		for _, f := range files {
			doc, err := LoadFile(f)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}
	return NewLibrary(docs...)
}

func definitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading narrative directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yml" || ext == ".yaml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// NewLibrary merges documents and resolves resource references. Narrative and
// resource names must be unique across documents.
func NewLibrary(docs ...*Document) (*Library, error) {
	lib := &Library{
		narratives: make(map[string]*Narrative),
		sources:    make(map[string]string),
		resources: Resources{
			BotCommands: make(map[string]*BotCommand),
			Tables:      make(map[string]*TableQuery),
		},
	}

	var errs []error
	resourceSources := make(map[string]string)
	for _, doc := range docs {
		for name, cmd := range doc.Resources.BotCommands {
			key := "bot_commands." + name
			if prev, dup := resourceSources[key]; dup {
				errs = append(errs, fmt.Errorf("bot command resource %q defined in both %s and %s", name, prev, doc.Source))
				continue
			}
			resourceSources[key] = doc.Source
			lib.resources.BotCommands[name] = cmd
		}
		for name, q := range doc.Resources.Tables {
			key := "tables." + name
			if prev, dup := resourceSources[key]; dup {
				errs = append(errs, fmt.Errorf("table resource %q defined in both %s and %s", name, prev, doc.Source))
				continue
			}
			resourceSources[key] = doc.Source
			lib.resources.Tables[name] = q
		}
		for name, n := range doc.Narratives {
			if prev, dup := lib.sources[name]; dup {
				errs = append(errs, fmt.Errorf("narrative %q defined in both %s and %s", name, prev, doc.Source))
				continue
			}
			lib.sources[name] = doc.Source
			lib.narratives[name] = n
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, name := range lib.Names() {
		for _, act := range lib.narratives[name].Acts {
			for i := range act.Inputs {
				if err := lib.resolveRefs(&act.Inputs[i]); err != nil {
					errs = append(errs, fmt.Errorf("narrative %q act %q input %d: %w", name, act.Name, i, err))
				}
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return lib, nil
}

// resolveRefs replaces a ref with a copy of the named resource, overlaid by
// any fields set inline.
func (l *Library) resolveRefs(in *Input) error {
	if cmd := in.BotCommand; cmd != nil && cmd.Ref != "" {
		base, ok := l.resources.BotCommands[cmd.Ref]
		if !ok {
			return fmt.Errorf("unknown bot command resource %q", cmd.Ref)
		}
		merged := *base
		merged.Ref = ""
		if cmd.Platform != "" {
			merged.Platform = cmd.Platform
		}
		if cmd.Command != "" {
			merged.Command = cmd.Command
		}
		if cmd.CacheFor != 0 {
			merged.CacheFor = cmd.CacheFor
		}
		merged.Args = mergeArgs(base.Args, cmd.Args)
		in.BotCommand = &merged
	}
	if q := in.Table; q != nil && q.Ref != "" {
		base, ok := l.resources.Tables[q.Ref]
		if !ok {
			return fmt.Errorf("unknown table resource %q", q.Ref)
		}
		merged := *base
		merged.Ref = ""
		if q.Table != "" {
			merged.Table = q.Table
		}
		if len(q.Columns) > 0 {
			merged.Columns = q.Columns
		}
		if q.OrderBy != "" {
			merged.OrderBy = q.OrderBy
		}
		if q.Limit != 0 {
			merged.Limit = q.Limit
		}
		if q.Offset != 0 {
			merged.Offset = q.Offset
		}
		if q.Format != "" {
			merged.Format = q.Format
		}
		merged.Filter = mergeArgs(base.Filter, q.Filter)
		in.Table = &merged
	}
	return nil
}

func mergeArgs(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Narrative returns a narrative by name.
func (l *Library) Narrative(name string) (*Narrative, bool) {
	n, ok := l.narratives[name]
	return n, ok
}

// Names returns every narrative name, sorted.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.narratives))
	for name := range l.narratives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source returns the file a narrative was loaded from.
func (l *Library) Source(name string) string {
	return l.sources[name]
}
