package editor

import (
	"fmt"
	"sort"
	"strconv"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/project"
)

const stopOtherScripts = "other scripts in sprite"

// CreateBlock materialises opcode as a top-level block at (0,0), including
// the default shadow block of every value input. An empty id is generated.
func (e *Editor) CreateBlock(opcode string, isShadow bool, id string) (string, error) {
	t, err := e.editing()
	if err != nil {
		return "", err
	}
	if _, ok := e.cat.Lookup(opcode); !ok {
		return "", fmt.Errorf("%q: %w", opcode, ErrUnknownOpcode)
	}
	if id == "" {
		id = e.newID()
		for t.Blocks[id] != nil {
			id = e.newID()
		}
	} else if t.Blocks[id] != nil {
		return "", fmt.Errorf("block %q: %w", id, ErrConflict)
	}
	b := e.materialize(t, opcode, id, isShadow, "")
	b.TopLevel = true
	return id, nil
}

// materialize adds a block and its scaffolding to t. value overrides the
// first field of shadow primitives.
func (e *Editor) materialize(t *project.Target, opcode, id string, shadow bool, value string) *project.Block {
	def, _ := e.cat.Lookup(opcode)
	b := &project.Block{
		ID:     id,
		Opcode: opcode,
		Inputs: map[string]*project.Input{},
		Fields: map[string]*project.Field{},
		Shadow: shadow,
	}
	t.Blocks[id] = b

	for i, fd := range def.Fields {
		f := &project.Field{Name: fd.Name, Value: fd.Initial()}
		if i == 0 && value != "" {
			f.Value = value
		}
		if ref, ok := fd.RefType(); ok {
			e.bindRef(t, f, ref)
		}
		b.Fields[fd.Name] = f
	}
	for _, in := range def.Inputs {
		slot := &project.Input{Name: in.Name}
		if in.Shadow != "" {
			sid := freeID(t, id+"-"+in.Name)
			child := e.materialize(t, in.Shadow, sid, true, in.Value)
			child.Parent = id
			slot.Block, slot.Shadow = sid, sid
		}
		b.Inputs[in.Name] = slot
	}
	if def.Mutation {
		b.Mutation = defaultMutation(opcode, b)
	}
	return b
}

func defaultMutation(opcode string, b *project.Block) *project.Mutation {
	m := &project.Mutation{TagName: "mutation"}
	if opcode == "control_stop" {
		hasNext := b.Fields["STOP_OPTION"] != nil && b.Fields["STOP_OPTION"].Value == stopOtherScripts
		m.HasNext = &hasNext
		return m
	}
	warp := false
	m.Warp = &warp
	m.ArgumentIDs = []string{}
	return m
}

// bindRef points a reference field at a variable of the editing target or the
// stage: the one named by the field's value, else the first by name.
func (e *Editor) bindRef(t *project.Target, f *project.Field, ref project.VarType) {
	scopes := []*project.Target{t}
	if st := e.proj.Stage(); st != nil && st != t {
		scopes = append(scopes, st)
	}
	var first *project.Variable
	for _, s := range scopes {
		ids := make([]string, 0, len(s.Variables))
		for id := range s.Variables {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			v := s.Variables[id]
			if v.Type != ref {
				continue
			}
			if f.Value != "" && v.Name == f.Value {
				f.ID = v.ID
				return
			}
			if first == nil || v.Name < first.Name {
				first = v
			}
		}
	}
	if f.Value == "" && first != nil {
		f.Value, f.ID = first.Name, first.ID
	}
}

func freeID(t *project.Target, id string) string {
	if t.Blocks[id] == nil {
		return id
	}
	for n := 2; ; n++ {
		cand := id + "-" + strconv.Itoa(n)
		if t.Blocks[cand] == nil {
			return cand
		}
	}
}

// DeleteBlock removes id with its next chain, input occupants and obscured
// shadows, after unlinking it from its parent. Deleting an absent block is a
// no-op.
func (e *Editor) DeleteBlock(id string) error {
	t, err := e.editing()
	if err != nil {
		return err
	}
	b := t.Blocks[id]
	if b == nil {
		return nil
	}
	if p := t.Blocks[b.Parent]; p != nil {
		unlink(p, id)
	}
	deleteTree(t, id, map[string]bool{})
	return nil
}

func deleteTree(t *project.Target, id string, seen map[string]bool) {
	b := t.Blocks[id]
	if b == nil || seen[id] {
		return
	}
	seen[id] = true
	if b.Next != "" {
		deleteTree(t, b.Next, seen)
	}
	for _, in := range b.Inputs {
		if in.Block != "" {
			deleteTree(t, in.Block, seen)
		}
		if in.Shadow != "" && in.Shadow != in.Block {
			deleteTree(t, in.Shadow, seen)
		}
	}
	delete(t.Blocks, id)
}

// unlink removes the reference p holds to child: an input slot first,
// uncovering an obscured shadow, else the next link.
func unlink(p *project.Block, child string) {
	names := make([]string, 0, len(p.Inputs))
	for name := range p.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		in := p.Inputs[name]
		switch {
		case in.Block == child && in.Shadow == child:
			in.Block, in.Shadow = "", ""
			return
		case in.Block == child:
			in.Block = in.Shadow
			return
		case in.Shadow == child:
			in.Shadow = ""
			return
		}
	}
	if p.Next == child {
		p.Next = ""
	}
}

// SlideBlock moves id to canvas coordinates (x, y).
func (e *Editor) SlideBlock(id string, x, y float64) error {
	t, err := e.editing()
	if err != nil {
		return err
	}
	b := t.Blocks[id]
	if b == nil {
		return fmt.Errorf("block %q: %w", id, ErrNotFound)
	}
	b.X, b.Y = x, y
	return nil
}

// AttachBlock links id below parentID (input == "") or into parentID's input
// slot. Occupied slots are never overwritten. isShadow sets the block's
// shadow flag when attaching into an input and is ignored otherwise.
func (e *Editor) AttachBlock(id, parentID, input string, isShadow bool) error {
	t, err := e.editing()
	if err != nil {
		return err
	}
	b := t.Blocks[id]
	if b == nil {
		return fmt.Errorf("block %q: %w", id, ErrNotFound)
	}
	p := t.Blocks[parentID]
	if p == nil {
		return fmt.Errorf("parent %q: %w", parentID, ErrNotFound)
	}
	if isAncestor(t, id, parentID) {
		return fmt.Errorf("attach %q under its own descendant %q: %w", id, parentID, ErrInvalidState)
	}
	bdef, known := e.cat.Lookup(b.Opcode)
	if known && bdef.Shape == catalog.ShapeHat {
		return fmt.Errorf("hat block %q cannot have a parent: %w", id, ErrInvalidState)
	}

	var slot *project.Input
	if input == "" {
		if p.Next != "" {
			return fmt.Errorf("next of %q: %w", parentID, ErrSlotOccupied)
		}
		if e.cat.IsCap(p) {
			return fmt.Errorf("%q is a cap block: %w", parentID, ErrInvalidState)
		}
		if pdef, ok := e.cat.Lookup(p.Opcode); ok && pdef.Reporter() {
			return fmt.Errorf("reporter %q has no next slot: %w", parentID, ErrInvalidState)
		}
		if known && bdef.Reporter() {
			return fmt.Errorf("reporter %q cannot be stacked: %w", id, ErrInvalidState)
		}
	} else {
		slot, err = e.inputSlot(p, input)
		if err != nil {
			return err
		}
		if slot.Block != "" && slot.Block != slot.Shadow {
			return fmt.Errorf("input %s of %q: %w", input, parentID, ErrSlotOccupied)
		}
		if isShadow && slot.Shadow != "" {
			return fmt.Errorf("input %s of %q already has a shadow: %w", input, parentID, ErrSlotOccupied)
		}
		if err := e.checkInputShape(p, input, b); err != nil {
			return err
		}
	}

	if b.Parent != "" {
		if err := e.DetachBlock(id); err != nil {
			return err
		}
	}
	if input == "" {
		p.Next = id
	} else {
		b.Shadow = isShadow
		p.Inputs[input] = slot
		slot.Block = id
		if isShadow {
			slot.Shadow = id
		}
	}
	b.Parent = parentID
	b.TopLevel = false
	return nil
}

// inputSlot returns p's input, or a fresh one when the catalog or the
// block's procedure mutation declares it. Fresh slots are not yet stored.
func (e *Editor) inputSlot(p *project.Block, name string) (*project.Input, error) {
	if in := p.Inputs[name]; in != nil {
		return in, nil
	}
	declared := false
	if def, ok := e.cat.Lookup(p.Opcode); ok {
		_, declared = def.Input(name)
	}
	if !declared && p.Mutation != nil {
		for _, arg := range p.Mutation.ArgumentIDs {
			if arg == name {
				declared = true
				break
			}
		}
	}
	if !declared {
		return nil, fmt.Errorf("input %s of %q: %w", name, p.ID, ErrNotFound)
	}
	return &project.Input{Name: name}, nil
}

func (e *Editor) checkInputShape(p *project.Block, input string, b *project.Block) error {
	pdef, ok := e.cat.Lookup(p.Opcode)
	if !ok {
		return nil
	}
	idef, ok := pdef.Input(input)
	if !ok {
		return nil
	}
	bdef, ok := e.cat.Lookup(b.Opcode)
	if !ok {
		return nil
	}
	switch idef.Kind {
	case catalog.KindStatement:
		if bdef.Reporter() {
			return fmt.Errorf("reporter %q in statement input %s: %w", b.ID, input, ErrInvalidState)
		}
	case catalog.KindBoolean:
		if bdef.Shape != catalog.ShapeBoolean {
			return fmt.Errorf("non-boolean %q in boolean input %s: %w", b.ID, input, ErrInvalidState)
		}
	default:
		if !bdef.Reporter() && !bdef.Shadow {
			return fmt.Errorf("stack block %q in value input %s: %w", b.ID, input, ErrInvalidState)
		}
	}
	return nil
}

// isAncestor reports whether anc is id itself or one of its ancestors.
func isAncestor(t *project.Target, anc, id string) bool {
	seen := map[string]bool{}
	for cur := id; cur != "" && !seen[cur]; {
		if cur == anc {
			return true
		}
		seen[cur] = true
		b := t.Blocks[cur]
		if b == nil {
			return false
		}
		cur = b.Parent
	}
	return false
}

// DetachBlock unlinks id from its parent, clearing the input slot it occupies
// or else the parent's next link. A parentless block is left alone.
func (e *Editor) DetachBlock(id string) error {
	t, err := e.editing()
	if err != nil {
		return err
	}
	b := t.Blocks[id]
	if b == nil {
		return fmt.Errorf("block %q: %w", id, ErrNotFound)
	}
	if b.Parent == "" {
		return nil
	}
	if p := t.Blocks[b.Parent]; p != nil {
		unlink(p, id)
	}
	b.Parent = ""
	b.TopLevel = true
	return nil
}

// ChangeField sets a field's value and, when dataID is given, the variable it
// references.
func (e *Editor) ChangeField(id, name, value, dataID string) error {
	t, err := e.editing()
	if err != nil {
		return err
	}
	b := t.Blocks[id]
	if b == nil {
		return fmt.Errorf("block %q: %w", id, ErrNotFound)
	}
	f := b.Fields[name]
	if f == nil {
		return fmt.Errorf("field %s of %q: %w", name, id, ErrNotFound)
	}
	if dataID != "" {
		if ref, ok := e.fieldRef(b.Opcode, name); ok && !e.hasVariable(t, dataID, ref) {
			return fmt.Errorf("variable %q: %w", dataID, ErrNotFound)
		}
	}
	if b.Opcode == "control_stop" && name == "STOP_OPTION" {
		hasNext := value == stopOtherScripts
		if !hasNext && b.Next != "" {
			return fmt.Errorf("stop %q would cut off %q: %w", value, b.Next, ErrInvalidState)
		}
		if b.Mutation == nil {
			b.Mutation = &project.Mutation{TagName: "mutation"}
		}
		b.Mutation.HasNext = &hasNext
	}
	f.Value = value
	if dataID != "" {
		f.ID = dataID
	}
	return nil
}

// fieldRef resolves the variable type a field references, falling back to
// the conventional field names for opcodes the catalog does not know.
func (e *Editor) fieldRef(opcode, name string) (project.VarType, bool) {
	if def, ok := e.cat.Lookup(opcode); ok {
		if fd, ok := def.Field(name); ok {
			return fd.RefType()
		}
	}
	switch name {
	case "VARIABLE":
		return project.VarScalar, true
	case "LIST":
		return project.VarList, true
	case "BROADCAST_OPTION":
		return project.VarBroadcast, true
	}
	return "", false
}

func (e *Editor) hasVariable(t *project.Target, id string, ref project.VarType) bool {
	for _, s := range []*project.Target{t, e.proj.Stage()} {
		if s == nil {
			continue
		}
		if v := s.Variables[id]; v != nil && v.Type == ref {
			return true
		}
	}
	return false
}

// ChangeMutation replaces a block's mutation after checking it against the
// shape its opcode expects.
func (e *Editor) ChangeMutation(id string, m project.Mutation) error {
	t, err := e.editing()
	if err != nil {
		return err
	}
	b := t.Blocks[id]
	if b == nil {
		return fmt.Errorf("block %q: %w", id, ErrNotFound)
	}
	if err := validateMutation(b.Opcode, m); err != nil {
		return err
	}
	if b.Opcode == "control_stop" && !*m.HasNext && b.Next != "" {
		return fmt.Errorf("hasnext=false with %q below: %w", b.Next, ErrInvalidState)
	}
	c := m.Clone()
	b.Mutation = &c
	for _, arg := range c.ArgumentIDs {
		if b.Inputs[arg] == nil {
			b.Inputs[arg] = &project.Input{Name: arg}
		}
	}
	return nil
}

func validateMutation(opcode string, m project.Mutation) error {
	bad := func(msg string) error {
		return fmt.Errorf("%s: %s: %w", opcode, msg, ErrInvalidMutation)
	}
	if m.TagName != "mutation" {
		return bad(fmt.Sprintf("tagName %q", m.TagName))
	}
	switch opcode {
	case "procedures_call", "procedures_prototype":
		if m.ProcCode == "" {
			return bad("empty proccode")
		}
		if m.HasNext != nil {
			return bad("hasnext not allowed")
		}
		n := project.ArgCount(m.ProcCode)
		if len(m.ArgumentIDs) != n {
			return bad(fmt.Sprintf("%d argument ids for %d placeholders", len(m.ArgumentIDs), n))
		}
		if opcode == "procedures_call" {
			if len(m.ArgumentNames) != 0 || len(m.ArgumentDefaults) != 0 {
				return bad("argument names/defaults belong to the prototype")
			}
			return nil
		}
		if len(m.ArgumentNames) != n || len(m.ArgumentDefaults) != n {
			return bad(fmt.Sprintf("%d names, %d defaults for %d placeholders", len(m.ArgumentNames), len(m.ArgumentDefaults), n))
		}
		return nil
	case "control_stop":
		if m.HasNext == nil {
			return bad("hasnext required")
		}
		if m.ProcCode != "" || m.Warp != nil || len(m.ArgumentIDs)+len(m.ArgumentNames)+len(m.ArgumentDefaults) > 0 {
			return bad("only hasnext allowed")
		}
		return nil
	}
	return bad("opcode has no mutation")
}
