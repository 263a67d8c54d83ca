package project

import (
	"encoding/json"
	"sort"
)

// VarType is the Scratch variable type tag.
type VarType string

const (
	VarScalar    VarType = ""
	VarList      VarType = "list"
	VarBroadcast VarType = "broadcast_msg"
)

func (t VarType) Valid() bool {
	switch t {
	case VarScalar, VarList, VarBroadcast:
		return true
	}
	return false
}

// Block is one node of a target's block store. Empty strings mean "no link".
type Block struct {
	ID       string            `json:"id"`
	Opcode   string            `json:"opcode"`
	Next     string            `json:"next,omitempty"`
	Parent   string            `json:"parent,omitempty"`
	Inputs   map[string]*Input `json:"inputs"`
	Fields   map[string]*Field `json:"fields"`
	Shadow   bool              `json:"shadow"`
	TopLevel bool              `json:"topLevel"`
	X        float64           `json:"x"`
	Y        float64           `json:"y"`
	Mutation *Mutation         `json:"mutation,omitempty"`
	Comment  string            `json:"comment,omitempty"`
}

// Input is a named slot. Block is the occupant, Shadow the placeholder shown
// when the slot is empty. The shadow is obscured when Block != Shadow.
type Input struct {
	Name   string `json:"name"`
	Block  string `json:"block,omitempty"`
	Shadow string `json:"shadow,omitempty"`
}

func (in *Input) Obscured() bool {
	return in.Shadow != "" && in.Block != in.Shadow
}

// Field is a named literal value. ID references a variable, list or broadcast.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	ID    string `json:"id,omitempty"`
}

type Variable struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    VarType         `json:"type"`
	Value   json.RawMessage `json:"value,omitempty"`
	IsCloud bool            `json:"isCloud,omitempty"`
}

// Target is a sprite or the stage. Extra holds every project.json key the
// editor does not interpret (costumes, sounds, layerOrder...).
type Target struct {
	Name      string
	IsStage   bool
	Blocks    map[string]*Block
	Variables map[string]*Variable
	Extra     map[string]json.RawMessage
}

func NewTarget(name string, isStage bool) *Target {
	return &Target{
		Name:      name,
		IsStage:   isStage,
		Blocks:    map[string]*Block{},
		Variables: map[string]*Variable{},
		Extra:     map[string]json.RawMessage{},
	}
}

// VariablesOfType returns id -> name for the target's variables of type t.
func (t *Target) VariablesOfType(vt VarType) map[string]string {
	out := map[string]string{}
	for id, v := range t.Variables {
		if v.Type == vt {
			out[id] = v.Name
		}
	}
	return out
}

// TopLevel returns the ids of top-level blocks ordered by position.
func (t *Target) TopLevel() []string {
	var ids []string
	for id, b := range t.Blocks {
		if b.TopLevel && b.Parent == "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.Blocks[ids[i]], t.Blocks[ids[j]]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return ids[i] < ids[j]
	})
	return ids
}

type Project struct {
	Targets    []*Target
	Monitors   json.RawMessage
	Extensions json.RawMessage
	Meta       json.RawMessage
	// Assets holds every archive member other than project.json, by name.
	Assets map[string][]byte
}

// Stage returns the stage target or nil.
func (p *Project) Stage() *Target {
	for _, t := range p.Targets {
		if t.IsStage {
			return t
		}
	}
	return nil
}

func (p *Project) Target(name string) *Target {
	for _, t := range p.Targets {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// DefaultTarget picks the target an editor starts on: the first sprite, or
// the stage when there are no sprites.
func (p *Project) DefaultTarget() *Target {
	for _, t := range p.Targets {
		if !t.IsStage {
			return t
		}
	}
	return p.Stage()
}

const defaultMeta = `{"semver":"3.0.0","vm":"0.2.0","agent":"viiru"}`

// New returns an empty project with a stage and one sprite.
func New() *Project {
	stage := NewTarget("Stage", true)
	stage.Extra["currentCostume"] = json.RawMessage(`0`)
	stage.Extra["costumes"] = json.RawMessage(`[]`)
	stage.Extra["sounds"] = json.RawMessage(`[]`)
	stage.Extra["layerOrder"] = json.RawMessage(`0`)
	stage.Extra["volume"] = json.RawMessage(`100`)
	stage.Extra["tempo"] = json.RawMessage(`60`)

	sprite := NewTarget("Sprite1", false)
	sprite.Extra["currentCostume"] = json.RawMessage(`0`)
	sprite.Extra["costumes"] = json.RawMessage(`[]`)
	sprite.Extra["sounds"] = json.RawMessage(`[]`)
	sprite.Extra["layerOrder"] = json.RawMessage(`1`)
	sprite.Extra["volume"] = json.RawMessage(`100`)
	sprite.Extra["visible"] = json.RawMessage(`true`)
	sprite.Extra["x"] = json.RawMessage(`0`)
	sprite.Extra["y"] = json.RawMessage(`0`)
	sprite.Extra["size"] = json.RawMessage(`100`)
	sprite.Extra["direction"] = json.RawMessage(`90`)
	sprite.Extra["draggable"] = json.RawMessage(`false`)
	sprite.Extra["rotationStyle"] = json.RawMessage(`"all around"`)

	return &Project{
		Targets:    []*Target{stage, sprite},
		Monitors:   json.RawMessage(`[]`),
		Extensions: json.RawMessage(`[]`),
		Meta:       json.RawMessage(defaultMeta),
		Assets:     map[string][]byte{},
	}
}

// Clone returns a deep copy of b.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.Inputs = make(map[string]*Input, len(b.Inputs))
	for k, in := range b.Inputs {
		cp := *in
		c.Inputs[k] = &cp
	}
	c.Fields = make(map[string]*Field, len(b.Fields))
	for k, f := range b.Fields {
		cp := *f
		c.Fields[k] = &cp
	}
	if b.Mutation != nil {
		m := b.Mutation.Clone()
		c.Mutation = &m
	}
	return &c
}

// CloneBlocks deep-copies a block store.
func CloneBlocks(in map[string]*Block) map[string]*Block {
	out := make(map[string]*Block, len(in))
	for id, b := range in {
		out[id] = b.Clone()
	}
	return out
}

// Clone deep-copies the target. Extra values are shared; they are never
// mutated in place.
func (t *Target) Clone() *Target {
	c := &Target{
		Name:      t.Name,
		IsStage:   t.IsStage,
		Blocks:    CloneBlocks(t.Blocks),
		Variables: make(map[string]*Variable, len(t.Variables)),
		Extra:     make(map[string]json.RawMessage, len(t.Extra)),
	}
	for id, v := range t.Variables {
		cp := *v
		c.Variables[id] = &cp
	}
	for k, v := range t.Extra {
		c.Extra[k] = v
	}
	return c
}

// Clone deep-copies the project structure. Asset bytes are shared.
func (p *Project) Clone() *Project {
	c := &Project{
		Targets:    make([]*Target, 0, len(p.Targets)),
		Monitors:   p.Monitors,
		Extensions: p.Extensions,
		Meta:       p.Meta,
		Assets:     make(map[string][]byte, len(p.Assets)),
	}
	for _, t := range p.Targets {
		c.Targets = append(c.Targets, t.Clone())
	}
	for k, v := range p.Assets {
		c.Assets[k] = v
	}
	return c
}
