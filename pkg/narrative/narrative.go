// Package narrative defines narratives, their acts and inputs, and loads
// them from YAML definition documents.
package narrative

import (
	"fmt"
	"time"

	"github.com/mattsolo1/grove-narrative/pkg/carousel"
	"gopkg.in/yaml.v3"
)

// RetentionMode governs how an input decays in later acts' visible history.
type RetentionMode string

const (
	RetentionFull    RetentionMode = "full"
	RetentionSummary RetentionMode = "summary"
	RetentionDrop    RetentionMode = "drop"
)

// Valid reports whether m is a known mode. The empty mode means full.
func (m RetentionMode) Valid() bool {
	switch m {
	case "", RetentionFull, RetentionSummary, RetentionDrop:
		return true
	}
	return false
}

// InputKind identifies the active shape of an Input.
type InputKind string

const (
	InputText       InputKind = "text"
	InputImage      InputKind = "image"
	InputBotCommand InputKind = "bot_command"
	InputTable      InputKind = "table"
	InputNarrative  InputKind = "narrative"
)

// Table output formats.
const (
	FormatJSON  = "json"
	FormatTable = "table"
	FormatCSV   = "csv"
)

// Nested narrative result modes.
const (
	ResultLast    = "last"
	ResultSummary = "summary"
)

// BotCommand invokes a command on an external platform.
type BotCommand struct {
	Ref      string         `yaml:"ref,omitempty" json:"ref,omitempty" jsonschema:"description=Name of a resources.bot_commands entry to start from"`
	Platform string         `yaml:"platform,omitempty" json:"platform,omitempty"`
	Command  string         `yaml:"command,omitempty" json:"command,omitempty"`
	Args     map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	// CacheFor reuses an identical call's result for this long.
	CacheFor time.Duration `yaml:"cache_for,omitempty" json:"cache_for,omitempty"`
}

// TableQuery reads rows from a structured-data table.
type TableQuery struct {
	Ref     string         `yaml:"ref,omitempty" json:"ref,omitempty" jsonschema:"description=Name of a resources.tables entry to start from"`
	Table   string         `yaml:"table,omitempty" json:"table,omitempty"`
	Columns []string       `yaml:"columns,omitempty" json:"columns,omitempty"`
	Filter  map[string]any `yaml:"filter,omitempty" json:"filter,omitempty" jsonschema:"description=Column equality filters; string values are templates"`
	OrderBy string         `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Limit   int            `yaml:"limit,omitempty" json:"limit,omitempty"`
	Offset  int            `yaml:"offset,omitempty" json:"offset,omitempty"`
	Format  string         `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=json,enum=table,enum=csv"`
}

// Image attaches binary content to a generation request.
type Image struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Data is base64 encoded content, used when Path is empty.
	Data string `yaml:"data,omitempty" json:"data,omitempty"`
	MIME string `yaml:"mime,omitempty" json:"mime,omitempty"`
}

// NarrativeRef runs another narrative as one atomic unit.
type NarrativeRef struct {
	Name   string `yaml:"name" json:"name"`
	Result string `yaml:"result,omitempty" json:"result,omitempty" jsonschema:"enum=last,enum=summary"`
}

// Input is a tagged variant: exactly one of the shape fields is set.
type Input struct {
	Text       *string       `yaml:"text,omitempty" json:"text,omitempty"`
	Image      *Image        `yaml:"image,omitempty" json:"image,omitempty"`
	BotCommand *BotCommand   `yaml:"bot_command,omitempty" json:"bot_command,omitempty"`
	Table      *TableQuery   `yaml:"table,omitempty" json:"table,omitempty"`
	Narrative  *NarrativeRef `yaml:"narrative,omitempty" json:"narrative,omitempty"`

	// Required overrides the act's required flag for this input.
	Required *bool `yaml:"required,omitempty" json:"required,omitempty"`
	// Retention overrides the act's history_retention for this input.
	Retention RetentionMode `yaml:"retention,omitempty" json:"retention,omitempty" jsonschema:"enum=full,enum=summary,enum=drop"`
}

// TextInput is a convenience constructor.
func TextInput(s string) Input {
	return Input{Text: &s}
}

// Kind returns the active shape, or an error unless exactly one is set.
func (in *Input) Kind() (InputKind, error) {
	var kinds []InputKind
	if in.Text != nil {
		kinds = append(kinds, InputText)
	}
	if in.Image != nil {
		kinds = append(kinds, InputImage)
	}
	if in.BotCommand != nil {
		kinds = append(kinds, InputBotCommand)
	}
	if in.Table != nil {
		kinds = append(kinds, InputTable)
	}
	if in.Narrative != nil {
		kinds = append(kinds, InputNarrative)
	}
	switch len(kinds) {
	case 1:
		return kinds[0], nil
	case 0:
		return "", fmt.Errorf("input has no shape; set one of text, image, bot_command, table, narrative")
	default:
		return "", fmt.Errorf("input sets %d shapes %v; exactly one is allowed", len(kinds), kinds)
	}
}

// UnmarshalYAML accepts a bare string as a text input.
func (in *Input) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*in = TextInput(s)
		return nil
	}
	type plain Input
	return node.Decode((*plain)(in))
}

// Act is one step of a narrative.
type Act struct {
	Name        string  `yaml:"-" json:"-"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []Input `yaml:"inputs" json:"inputs"`
	// Required defaults to true.
	Required         *bool             `yaml:"required,omitempty" json:"required,omitempty"`
	HistoryRetention RetentionMode     `yaml:"history_retention,omitempty" json:"history_retention,omitempty" jsonschema:"enum=full,enum=summary,enum=drop"`
	StateCapture     map[string]string `yaml:"state_capture,omitempty" json:"state_capture,omitempty" jsonschema:"description=Output path to state key"`
	Model            string            `yaml:"model,omitempty" json:"model,omitempty"`
	Carousel         *carousel.Config  `yaml:"carousel,omitempty" json:"carousel,omitempty"`
}

// IsRequired reports the act-level required flag.
func (a *Act) IsRequired() bool {
	return a.Required == nil || *a.Required
}

// InputRequired reports whether input i must succeed.
func (a *Act) InputRequired(i int) bool {
	if r := a.Inputs[i].Required; r != nil {
		return *r
	}
	return a.IsRequired()
}

// InputRetention returns the effective retention of input i.
func (a *Act) InputRetention(i int) RetentionMode {
	if m := a.Inputs[i].Retention; m != "" {
		return m
	}
	if a.HistoryRetention != "" {
		return a.HistoryRetention
	}
	return RetentionFull
}

// Generative reports whether the act sends its inputs to the generation
// backend, which is the case when any input is text or an image.
func (a *Act) Generative() bool {
	for i := range a.Inputs {
		if a.Inputs[i].Text != nil || a.Inputs[i].Image != nil {
			return true
		}
	}
	return false
}

// UnmarshalYAML accepts a string (one text input), a list of inputs, or the
// full mapping form.
func (a *Act) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		a.Inputs = []Input{TextInput(s)}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&a.Inputs)
	}
	type plain Act
	return node.Decode((*plain)(a))
}

// Acts keeps acts in declaration order.
type Acts []*Act

// UnmarshalYAML decodes a mapping of act name to act, preserving order.
func (acts *Acts) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: acts must be a mapping of act name to act", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		act := &Act{}
		if err := node.Content[i+1].Decode(act); err != nil {
			return fmt.Errorf("act %q: %w", name, err)
		}
		act.Name = name
		*acts = append(*acts, act)
	}
	return nil
}

// Narrative is a named, ordered workflow of acts.
type Narrative struct {
	Name        string `yaml:"-" json:"-"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Model       string `yaml:"model,omitempty" json:"model,omitempty"`
	// StateScope is global, narrative, narrative:<name> or
	// platform:<platform>:<id>. Defaults to narrative.
	StateScope string `yaml:"state_scope,omitempty" json:"state_scope,omitempty"`
	// Steps is the execution order. Defaults to declaration order.
	Steps    []string         `yaml:"steps,omitempty" json:"steps,omitempty"`
	Acts     Acts             `yaml:"acts" json:"acts"`
	Carousel *carousel.Config `yaml:"carousel,omitempty" json:"carousel,omitempty"`
}

// Act returns the declared act with the given name.
func (n *Narrative) Act(name string) (*Act, bool) {
	for _, a := range n.Acts {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Order returns the step order, falling back to declaration order.
func (n *Narrative) Order() []string {
	if len(n.Steps) > 0 {
		return n.Steps
	}
	names := make([]string, len(n.Acts))
	for i, a := range n.Acts {
		names[i] = a.Name
	}
	return names
}

// Resources are named definitions reusable by acts through ref.
type Resources struct {
	BotCommands map[string]*BotCommand `yaml:"bot_commands,omitempty" json:"bot_commands,omitempty"`
	Tables      map[string]*TableQuery `yaml:"tables,omitempty" json:"tables,omitempty"`
}

// Document is one narrative definition file.
type Document struct {
	Version    int                   `yaml:"version,omitempty" json:"version,omitempty"`
	Resources  Resources             `yaml:"resources,omitempty" json:"resources,omitempty"`
	Narratives map[string]*Narrative `yaml:"narratives" json:"narratives"`

	Source string `yaml:"-" json:"-"`
}
