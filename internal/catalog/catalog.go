// Package catalog holds the per-opcode block templates: shape, category
// colours, input slots with their default shadows, and field defaults.
package catalog

import (
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"viiru.dev/internal/project"
)

//go:embed opcodes.yaml
var builtin []byte

type Shape string

const (
	ShapeHat      Shape = "hat"
	ShapeStack    Shape = "stack"
	ShapeC        Shape = "c"
	ShapeCap      Shape = "cap"
	ShapeReporter Shape = "reporter"
	ShapeBoolean  Shape = "boolean"
)

type InputKind string

const (
	KindValue     InputKind = "value"
	KindBoolean   InputKind = "boolean"
	KindStatement InputKind = "statement"
)

type Category struct {
	Fill   string `yaml:"fill" json:"fill"`
	Text   string `yaml:"text" json:"text"`
	Border string `yaml:"border" json:"border"`
}

type InputDef struct {
	Name   string    `yaml:"name" json:"name"`
	Kind   InputKind `yaml:"kind" json:"kind"`
	Shadow string    `yaml:"shadow" json:"shadow,omitempty"`
	Value  string    `yaml:"value" json:"value,omitempty"`
	// Label is printed before a statement arm (e.g. "else").
	Label string `yaml:"label" json:"label,omitempty"`
}

type Option struct {
	Value   string `yaml:"value" json:"value"`
	Display string `yaml:"display" json:"display"`
}

// UnmarshalYAML accepts either a bare scalar or a {value, display} map.
func (o *Option) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		o.Value, o.Display = n.Value, n.Value
		return nil
	}
	type plain Option
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*o = Option(p)
	if o.Display == "" {
		o.Display = o.Value
	}
	return nil
}

type FieldDef struct {
	Name    string   `yaml:"name" json:"name"`
	Default string   `yaml:"default" json:"default,omitempty"`
	Options []Option `yaml:"options" json:"options,omitempty"`
	// Ref is "variable", "list" or "broadcast_msg" for data reference fields.
	Ref string `yaml:"ref" json:"ref,omitempty"`
}

// RefType maps Ref to the variable type it points at.
func (f FieldDef) RefType() (project.VarType, bool) {
	switch f.Ref {
	case "variable":
		return project.VarScalar, true
	case "list":
		return project.VarList, true
	case "broadcast_msg":
		return project.VarBroadcast, true
	}
	return "", false
}

// Initial is the value a freshly created field gets.
func (f FieldDef) Initial() string {
	if f.Default != "" || len(f.Options) == 0 {
		return f.Default
	}
	return f.Options[0].Value
}

type OpcodeDef struct {
	Opcode   string     `yaml:"opcode" json:"opcode"`
	Category string     `yaml:"category" json:"category"`
	Shape    Shape      `yaml:"shape" json:"shape"`
	Label    string     `yaml:"label" json:"label"`
	Shadow   bool       `yaml:"shadow" json:"shadow,omitempty"`
	Cap      bool       `yaml:"cap" json:"cap,omitempty"`
	Mutation bool       `yaml:"mutation" json:"mutation,omitempty"`
	Inputs   []InputDef `yaml:"inputs" json:"inputs,omitempty"`
	Fields   []FieldDef `yaml:"fields" json:"fields,omitempty"`
}

func (d OpcodeDef) Input(name string) (InputDef, bool) {
	for _, in := range d.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputDef{}, false
}

func (d OpcodeDef) Field(name string) (FieldDef, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// Reporter is true for blocks that plug into inputs rather than stacks.
func (d OpcodeDef) Reporter() bool {
	return d.Shape == ShapeReporter || d.Shape == ShapeBoolean
}

type file struct {
	Categories map[string]Category `yaml:"categories"`
	Opcodes    []OpcodeDef         `yaml:"opcodes"`
	Toolbox    []string            `yaml:"toolbox"`
}

type Catalog struct {
	Categories map[string]Category
	Defs       map[string]OpcodeDef
	// Toolbox is the palette order used by the gallery and the TUI.
	Toolbox []string
	Digest  string
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(builtin, &f); err != nil {
		return nil, fmt.Errorf("opcodes.yaml: %w", err)
	}
	return build(f)
}

// MustDefault is Default for package-level wiring and tests.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Load starts from the embedded catalog and overlays every *.yaml, *.yml,
// *.json and *.jsonc file in dir, in name order. Overlay opcodes replace
// builtin ones with the same name; a non-empty toolbox replaces the builtin
// order. An empty dir returns the builtin catalog.
func Load(dir string) (*Catalog, error) {
	var base file
	if err := yaml.Unmarshal(builtin, &base); err != nil {
		return nil, fmt.Errorf("opcodes.yaml: %w", err)
	}
	if dir == "" {
		return build(base)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json", ".jsonc":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if ext := strings.ToLower(filepath.Ext(name)); ext == ".jsonc" || ext == ".json" {
			raw = jsonc.ToJSON(raw)
		}
		var over file
		if err := yaml.Unmarshal(raw, &over); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		base = merge(base, over)
	}
	return build(base)
}

func merge(base, over file) file {
	if base.Categories == nil {
		base.Categories = map[string]Category{}
	}
	for k, v := range over.Categories {
		base.Categories[k] = v
	}
	pos := map[string]int{}
	for i, d := range base.Opcodes {
		pos[d.Opcode] = i
	}
	for _, d := range over.Opcodes {
		if i, ok := pos[d.Opcode]; ok {
			base.Opcodes[i] = d
			continue
		}
		pos[d.Opcode] = len(base.Opcodes)
		base.Opcodes = append(base.Opcodes, d)
	}
	if len(over.Toolbox) > 0 {
		base.Toolbox = over.Toolbox
	}
	return base
}

func build(f file) (*Catalog, error) {
	c := &Catalog{
		Categories: f.Categories,
		Defs:       make(map[string]OpcodeDef, len(f.Opcodes)),
		Toolbox:    f.Toolbox,
	}
	for _, d := range f.Opcodes {
		if d.Opcode == "" {
			return nil, fmt.Errorf("catalog: empty opcode")
		}
		if _, dup := c.Defs[d.Opcode]; dup {
			return nil, fmt.Errorf("catalog: duplicate opcode %s", d.Opcode)
		}
		for i := range d.Inputs {
			if d.Inputs[i].Kind == "" {
				d.Inputs[i].Kind = KindValue
			}
		}
		c.Defs[d.Opcode] = d
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.Digest = c.digest()
	return c, nil
}

func (c *Catalog) validate() error {
	for op, d := range c.Defs {
		if _, ok := c.Categories[d.Category]; !ok {
			return fmt.Errorf("catalog: %s: unknown category %q", op, d.Category)
		}
		switch d.Shape {
		case ShapeHat, ShapeStack, ShapeC, ShapeCap, ShapeReporter, ShapeBoolean:
		default:
			return fmt.Errorf("catalog: %s: bad shape %q", op, d.Shape)
		}
		for _, in := range d.Inputs {
			switch in.Kind {
			case KindValue, KindBoolean, KindStatement:
			default:
				return fmt.Errorf("catalog: %s.%s: bad kind %q", op, in.Name, in.Kind)
			}
			if in.Shadow == "" {
				continue
			}
			sd, ok := c.Defs[in.Shadow]
			if !ok {
				return fmt.Errorf("catalog: %s.%s: unknown shadow %s", op, in.Name, in.Shadow)
			}
			if !sd.Shadow {
				return fmt.Errorf("catalog: %s.%s: %s is not a shadow opcode", op, in.Name, in.Shadow)
			}
		}
		for _, fd := range d.Fields {
			if _, ok := fd.RefType(); fd.Ref != "" && !ok {
				return fmt.Errorf("catalog: %s.%s: bad ref %q", op, fd.Name, fd.Ref)
			}
		}
	}
	seen := map[string]bool{}
	for _, op := range c.Toolbox {
		if _, ok := c.Defs[op]; !ok {
			return fmt.Errorf("catalog: toolbox: unknown opcode %s", op)
		}
		if seen[op] {
			return fmt.Errorf("catalog: toolbox: duplicate %s", op)
		}
		seen[op] = true
	}
	return nil
}

func (c *Catalog) digest() string {
	ops := make([]string, 0, len(c.Defs))
	for op := range c.Defs {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	defs := make([]OpcodeDef, 0, len(ops))
	for _, op := range ops {
		defs = append(defs, c.Defs[op])
	}
	// encoding/json sorts map keys, so the categories encode canonically.
	raw, _ := json.Marshal(struct {
		Categories map[string]Category `json:"categories"`
		Opcodes    []OpcodeDef         `json:"opcodes"`
		Toolbox    []string            `json:"toolbox"`
	}{c.Categories, defs, c.Toolbox})
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (c *Catalog) Lookup(opcode string) (OpcodeDef, bool) {
	d, ok := c.Defs[opcode]
	return d, ok
}

var unknownColour = Category{Fill: "#9E9E9E", Text: "#FFFFFF", Border: "#757575"}

// Colour returns the palette entry for an opcode, grey for unknown ones.
func (c *Catalog) Colour(opcode string) Category {
	d, ok := c.Defs[opcode]
	if !ok {
		return unknownColour
	}
	if cat, ok := c.Categories[d.Category]; ok {
		return cat
	}
	return unknownColour
}

// IsCap reports whether nothing may be attached below b. control_stop is a
// cap unless it only stops other scripts.
func (c *Catalog) IsCap(b *project.Block) bool {
	if b == nil {
		return false
	}
	if b.Opcode == "control_stop" {
		if b.Mutation != nil && b.Mutation.HasNext != nil {
			return !*b.Mutation.HasNext
		}
		f := b.Fields["STOP_OPTION"]
		return f == nil || f.Value != "other scripts in sprite"
	}
	d, ok := c.Defs[b.Opcode]
	if !ok {
		return false
	}
	return d.Shape == ShapeCap || d.Cap
}

// Segment is one piece of a label: literal text or a %SLOT reference.
type Segment struct {
	Text string
	Slot string
}

// Segments splits d.Label on %NAME references.
func (d OpcodeDef) Segments() []Segment {
	var out []Segment
	s := d.Label
	for len(s) > 0 {
		i := strings.IndexByte(s, '%')
		if i < 0 {
			out = append(out, Segment{Text: s})
			break
		}
		j := i + 1
		for j < len(s) && isSlotByte(s[j]) {
			j++
		}
		if j == i+1 {
			out = append(out, Segment{Text: s[:j]})
			s = s[j:]
			continue
		}
		if i > 0 {
			out = append(out, Segment{Text: s[:i]})
		}
		out = append(out, Segment{Slot: s[i+1 : j]})
		s = s[j:]
	}
	return mergeText(out)
}

func isSlotByte(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func mergeText(in []Segment) []Segment {
	var out []Segment
	for _, s := range in {
		if s.Slot == "" && len(out) > 0 && out[len(out)-1].Slot == "" {
			out[len(out)-1].Text += s.Text
			continue
		}
		out = append(out, s)
	}
	return out
}
