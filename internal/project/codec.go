package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Compact primitive codes used inside project.json inputs.
const (
	primMathNumber     = 4
	primPositiveNumber = 5
	primWholeNumber    = 6
	primInteger        = 7
	primAngle          = 8
	primColourPicker   = 9
	primText           = 10
	primBroadcast      = 11
	primVariable       = 12
	primList           = 13
)

// Input array tags.
const (
	inputSameBlockShadow = 1
	inputBlockNoShadow   = 2
	inputDiffBlockShadow = 3
)

var primitiveOpcodes = map[int]struct{ opcode, field string }{
	primMathNumber:     {"math_number", "NUM"},
	primPositiveNumber: {"math_positive_number", "NUM"},
	primWholeNumber:    {"math_whole_number", "NUM"},
	primInteger:        {"math_integer", "NUM"},
	primAngle:          {"math_angle", "NUM"},
	primColourPicker:   {"colour_picker", "COLOUR"},
	primText:           {"text", "TEXT"},
	primBroadcast:      {"event_broadcast_menu", "BROADCAST_OPTION"},
	primVariable:       {"data_variable", "VARIABLE"},
	primList:           {"data_listcontents", "LIST"},
}

type wireProject struct {
	Targets    []json.RawMessage `json:"targets"`
	Monitors   json.RawMessage   `json:"monitors,omitempty"`
	Extensions json.RawMessage   `json:"extensions,omitempty"`
	Meta       json.RawMessage   `json:"meta,omitempty"`
}

type wireBlock struct {
	Opcode   string                     `json:"opcode"`
	Next     *string                    `json:"next"`
	Parent   *string                    `json:"parent"`
	Inputs   map[string]json.RawMessage `json:"inputs"`
	Fields   map[string]json.RawMessage `json:"fields"`
	Shadow   bool                       `json:"shadow"`
	TopLevel bool                       `json:"topLevel"`
	X        *float64                   `json:"x,omitempty"`
	Y        *float64                   `json:"y,omitempty"`
	Mutation *wireMutation              `json:"mutation,omitempty"`
	Comment  *string                    `json:"comment,omitempty"`
}

// interpreted target keys; everything else goes to Target.Extra.
var targetKeys = map[string]bool{
	"isStage":    true,
	"name":       true,
	"variables":  true,
	"lists":      true,
	"broadcasts": true,
	"blocks":     true,
}

// Decode parses a project.json document.
func Decode(data []byte) (*Project, error) {
	var wp wireProject
	if err := json.Unmarshal(data, &wp); err != nil {
		return nil, fmt.Errorf("project.json: %w", err)
	}
	p := &Project{
		Monitors:   wp.Monitors,
		Extensions: wp.Extensions,
		Meta:       wp.Meta,
		Assets:     map[string][]byte{},
	}
	for i, raw := range wp.Targets {
		t, err := decodeTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("project.json: target %d: %w", i, err)
		}
		p.Targets = append(p.Targets, t)
	}
	return p, nil
}

func decodeTarget(raw json.RawMessage) (*Target, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	t := NewTarget("", false)
	if v, ok := obj["isStage"]; ok {
		if err := json.Unmarshal(v, &t.IsStage); err != nil {
			return nil, fmt.Errorf("isStage: %w", err)
		}
	}
	if v, ok := obj["name"]; ok {
		if err := json.Unmarshal(v, &t.Name); err != nil {
			return nil, fmt.Errorf("name: %w", err)
		}
	}
	if err := decodeVariables(t, obj); err != nil {
		return nil, err
	}
	if v, ok := obj["blocks"]; ok {
		if err := decodeBlocks(t, v); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name, err)
		}
	}
	for k, v := range obj {
		if !targetKeys[k] {
			t.Extra[k] = v
		}
	}
	return t, nil
}

func decodeVariables(t *Target, obj map[string]json.RawMessage) error {
	if v, ok := obj["variables"]; ok {
		var vars map[string][]json.RawMessage
		if err := json.Unmarshal(v, &vars); err != nil {
			return fmt.Errorf("variables: %w", err)
		}
		for id, arr := range vars {
			if len(arr) < 2 {
				return fmt.Errorf("variables: %s: short entry", id)
			}
			vr := &Variable{ID: id, Type: VarScalar, Value: arr[1]}
			if err := json.Unmarshal(arr[0], &vr.Name); err != nil {
				return fmt.Errorf("variables: %s: %w", id, err)
			}
			if len(arr) > 2 {
				_ = json.Unmarshal(arr[2], &vr.IsCloud)
			}
			t.Variables[id] = vr
		}
	}
	if v, ok := obj["lists"]; ok {
		var lists map[string][]json.RawMessage
		if err := json.Unmarshal(v, &lists); err != nil {
			return fmt.Errorf("lists: %w", err)
		}
		for id, arr := range lists {
			if len(arr) < 2 {
				return fmt.Errorf("lists: %s: short entry", id)
			}
			vr := &Variable{ID: id, Type: VarList, Value: arr[1]}
			if err := json.Unmarshal(arr[0], &vr.Name); err != nil {
				return fmt.Errorf("lists: %s: %w", id, err)
			}
			t.Variables[id] = vr
		}
	}
	if v, ok := obj["broadcasts"]; ok {
		var bcs map[string]string
		if err := json.Unmarshal(v, &bcs); err != nil {
			return fmt.Errorf("broadcasts: %w", err)
		}
		for id, name := range bcs {
			t.Variables[id] = &Variable{ID: id, Name: name, Type: VarBroadcast}
		}
	}
	return nil
}

func decodeBlocks(t *Target, raw json.RawMessage) error {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("blocks: %w", err)
	}
	// Sorted so primitive expansion assigns the same ids on every load.
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	d := &blockDecoder{t: t, taken: map[string]bool{}}
	for _, id := range ids {
		d.taken[id] = true
	}
	for _, id := range ids {
		body := bytes.TrimSpace(entries[id])
		if len(body) > 0 && body[0] == '[' {
			if err := d.topLevelPrimitive(id, body); err != nil {
				return fmt.Errorf("block %s: %w", id, err)
			}
			continue
		}
		if err := d.block(id, body); err != nil {
			return fmt.Errorf("block %s: %w", id, err)
		}
	}
	return nil
}

type blockDecoder struct {
	t     *Target
	taken map[string]bool
}

func (d *blockDecoder) block(id string, body []byte) error {
	var wb wireBlock
	if err := json.Unmarshal(body, &wb); err != nil {
		return err
	}
	b := &Block{
		ID:       id,
		Opcode:   wb.Opcode,
		Inputs:   map[string]*Input{},
		Fields:   map[string]*Field{},
		Shadow:   wb.Shadow,
		TopLevel: wb.TopLevel,
	}
	if wb.Next != nil {
		b.Next = *wb.Next
	}
	if wb.Parent != nil {
		b.Parent = *wb.Parent
	}
	if wb.X != nil {
		b.X = *wb.X
	}
	if wb.Y != nil {
		b.Y = *wb.Y
	}
	if wb.Comment != nil {
		b.Comment = *wb.Comment
	}
	if wb.Mutation != nil {
		m, err := wb.Mutation.toMutation()
		if err != nil {
			return fmt.Errorf("mutation: %w", err)
		}
		b.Mutation = &m
	}
	for _, name := range sortedKeys(wb.Fields) {
		f, err := decodeField(name, wb.Fields[name])
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		b.Fields[name] = f
	}
	d.t.Blocks[id] = b
	for _, name := range sortedKeys(wb.Inputs) {
		in, err := d.input(b, name, wb.Inputs[name])
		if err != nil {
			return fmt.Errorf("input %s: %w", name, err)
		}
		b.Inputs[name] = in
	}
	return nil
}

func decodeField(name string, raw json.RawMessage) (*Field, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("empty field")
	}
	f := &Field{Name: name, Value: scalarString(arr[0])}
	if len(arr) > 1 {
		var id *string
		if err := json.Unmarshal(arr[1], &id); err == nil && id != nil {
			f.ID = *id
		}
	}
	return f, nil
}

func (d *blockDecoder) input(owner *Block, name string, raw json.RawMessage) (*Input, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, err
	}
	if len(arr) < 2 {
		return nil, fmt.Errorf("short input")
	}
	var tag int
	if err := json.Unmarshal(arr[0], &tag); err != nil {
		return nil, fmt.Errorf("tag: %w", err)
	}
	in := &Input{Name: name}
	first, err := d.inputRef(owner, name, arr[1])
	if err != nil {
		return nil, err
	}
	switch tag {
	case inputSameBlockShadow:
		in.Block, in.Shadow = first, first
	case inputBlockNoShadow:
		in.Block = first
	case inputDiffBlockShadow:
		in.Block = first
		if len(arr) > 2 {
			sh, err := d.inputRef(owner, name, arr[2])
			if err != nil {
				return nil, err
			}
			in.Shadow = sh
		}
	default:
		return nil, fmt.Errorf("unknown input tag %d", tag)
	}
	return in, nil
}

// inputRef resolves a block id, a null, or an inline primitive that is
// expanded into a child block.
func (d *blockDecoder) inputRef(owner *Block, input string, raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", err
		}
		return id, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return "", err
	}
	id := d.derivedID(owner.ID, input)
	b, err := primitiveBlock(id, arr)
	if err != nil {
		return "", err
	}
	b.Parent = owner.ID
	d.t.Blocks[id] = b
	return id, nil
}

func (d *blockDecoder) topLevelPrimitive(id string, body []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err != nil {
		return err
	}
	b, err := primitiveBlock(id, arr)
	if err != nil {
		return err
	}
	b.TopLevel = true
	if len(arr) >= 5 {
		_ = json.Unmarshal(arr[3], &b.X)
		_ = json.Unmarshal(arr[4], &b.Y)
	}
	d.t.Blocks[id] = b
	return nil
}

func (d *blockDecoder) derivedID(owner, input string) string {
	base := owner + "-" + input
	id := base
	for n := 2; d.taken[id]; n++ {
		id = base + "-" + strconv.Itoa(n)
	}
	d.taken[id] = true
	return id
}

func primitiveBlock(id string, arr []json.RawMessage) (*Block, error) {
	if len(arr) < 2 {
		return nil, fmt.Errorf("short primitive")
	}
	var code int
	if err := json.Unmarshal(arr[0], &code); err != nil {
		return nil, fmt.Errorf("primitive code: %w", err)
	}
	p, ok := primitiveOpcodes[code]
	if !ok {
		return nil, fmt.Errorf("unknown primitive %d", code)
	}
	f := &Field{Name: p.field, Value: scalarString(arr[1])}
	if code >= primBroadcast && len(arr) > 2 {
		var ref string
		_ = json.Unmarshal(arr[2], &ref)
		f.ID = ref
	}
	return &Block{
		ID:     id,
		Opcode: p.opcode,
		Inputs: map[string]*Input{},
		Fields: map[string]*Field{p.field: f},
		// Variable and list reporters are real blocks even when inlined.
		Shadow: code != primVariable && code != primList,
	}, nil
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode renders the project as a project.json document.
func Encode(p *Project) ([]byte, error) {
	out := struct {
		Targets    []map[string]any `json:"targets"`
		Monitors   json.RawMessage  `json:"monitors"`
		Extensions json.RawMessage  `json:"extensions"`
		Meta       json.RawMessage  `json:"meta"`
	}{
		Monitors:   orDefault(p.Monitors, `[]`),
		Extensions: orDefault(p.Extensions, `[]`),
		Meta:       orDefault(p.Meta, defaultMeta),
	}
	for _, t := range p.Targets {
		out.Targets = append(out.Targets, encodeTarget(t))
	}
	if out.Targets == nil {
		out.Targets = []map[string]any{}
	}
	return json.Marshal(out)
}

func orDefault(raw json.RawMessage, def string) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(def)
	}
	return raw
}

func encodeTarget(t *Target) map[string]any {
	obj := make(map[string]any, len(t.Extra)+6)
	for k, v := range t.Extra {
		obj[k] = v
	}
	obj["isStage"] = t.IsStage
	obj["name"] = t.Name

	vars := map[string][]any{}
	lists := map[string][]any{}
	bcs := map[string]string{}
	for id, v := range t.Variables {
		switch v.Type {
		case VarList:
			lists[id] = []any{v.Name, orDefault(v.Value, `[]`)}
		case VarBroadcast:
			bcs[id] = v.Name
		default:
			entry := []any{v.Name, orDefault(v.Value, `0`)}
			if v.IsCloud {
				entry = append(entry, true)
			}
			vars[id] = entry
		}
	}
	obj["variables"] = vars
	obj["lists"] = lists
	obj["broadcasts"] = bcs

	blocks := make(map[string]any, len(t.Blocks))
	for id, b := range t.Blocks {
		blocks[id] = encodeBlock(b)
	}
	obj["blocks"] = blocks
	return obj
}

func encodeBlock(b *Block) wireBlock {
	wb := wireBlock{
		Opcode:   b.Opcode,
		Inputs:   map[string]json.RawMessage{},
		Fields:   map[string]json.RawMessage{},
		Shadow:   b.Shadow,
		TopLevel: b.TopLevel,
	}
	if b.Next != "" {
		n := b.Next
		wb.Next = &n
	}
	if b.Parent != "" {
		p := b.Parent
		wb.Parent = &p
	}
	if b.TopLevel {
		x, y := b.X, b.Y
		wb.X, wb.Y = &x, &y
	}
	if b.Comment != "" {
		c := b.Comment
		wb.Comment = &c
	}
	if b.Mutation != nil {
		m := b.Mutation.toWire()
		wb.Mutation = &m
	}
	for name, in := range b.Inputs {
		wb.Inputs[name] = encodeInput(in)
	}
	for name, f := range b.Fields {
		var id any
		if f.ID != "" {
			id = f.ID
		}
		raw, _ := json.Marshal([]any{f.Value, id})
		wb.Fields[name] = raw
	}
	return wb
}

func encodeInput(in *Input) json.RawMessage {
	ref := func(id string) any {
		if id == "" {
			return nil
		}
		return id
	}
	var v []any
	switch {
	case in.Block == "" && in.Shadow == "":
		v = []any{inputSameBlockShadow, nil}
	case in.Block == in.Shadow:
		v = []any{inputSameBlockShadow, in.Block}
	case in.Shadow == "":
		v = []any{inputBlockNoShadow, in.Block}
	case in.Block == "":
		v = []any{inputSameBlockShadow, in.Shadow}
	default:
		v = []any{inputDiffBlockShadow, ref(in.Block), ref(in.Shadow)}
	}
	raw, _ := json.Marshal(v)
	return raw
}
