// Package render draws a target's scripts as indented text or a PNG.
package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/project"
)

// Line is one row of a rendered script.
type Line struct {
	Depth  int
	Text   string
	ID     string // "" for "else"/"end" rows
	Opcode string
	// Script numbers the top-level stack the line belongs to.
	Script int
}

// Lines lays out every top-level stack of t, ordered by position.
func Lines(cat *catalog.Catalog, t *project.Target) []Line {
	if t == nil {
		return nil
	}
	l := &layout{cat: cat, blocks: t.Blocks, seen: map[string]bool{}}
	for i, id := range t.TopLevel() {
		l.script = i
		l.stack(id, 0)
	}
	return l.out
}

type layout struct {
	cat    *catalog.Catalog
	blocks map[string]*project.Block
	seen   map[string]bool
	script int
	out    []Line
}

func (l *layout) emit(depth int, text, id, opcode string) {
	l.out = append(l.out, Line{Depth: depth, Text: text, ID: id, Opcode: opcode, Script: l.script})
}

func (l *layout) stack(id string, depth int) {
	for id != "" && !l.seen[id] {
		b := l.blocks[id]
		if b == nil {
			l.emit(depth, "?"+id, id, "")
			return
		}
		l.seen[id] = true
		l.emit(depth, Label(l.cat, l.blocks, b), b.ID, b.Opcode)

		def, ok := l.cat.Lookup(b.Opcode)
		if ok {
			for _, in := range def.Inputs {
				if in.Kind != catalog.KindStatement {
					continue
				}
				if in.Label != "" {
					l.emit(depth, in.Label, "", "")
				}
				if slot := b.Inputs[in.Name]; slot != nil {
					l.stack(slot.Block, depth+1)
				}
			}
			if def.Shape == catalog.ShapeC {
				l.emit(depth, "end", "", "")
			}
		}
		id = b.Next
	}
}

// Label renders b on one line with its reporters inlined. Statement inputs
// are left out.
func Label(cat *catalog.Catalog, blocks map[string]*project.Block, b *project.Block) string {
	return labelDepth(cat, blocks, b, 0)
}

const maxInline = 16

func labelDepth(cat *catalog.Catalog, blocks map[string]*project.Block, b *project.Block, depth int) string {
	if depth > maxInline {
		return "…"
	}
	switch b.Opcode {
	case "procedures_call", "procedures_prototype":
		return procLabel(cat, blocks, b, depth)
	}
	def, ok := cat.Lookup(b.Opcode)
	if !ok {
		return b.Opcode
	}
	var sb strings.Builder
	for _, seg := range def.Segments() {
		if seg.Slot == "" {
			sb.WriteString(seg.Text)
			continue
		}
		if f, ok := b.Fields[seg.Slot]; ok {
			sb.WriteString("[" + f.Value + "]")
			continue
		}
		in, _ := def.Input(seg.Slot)
		if in.Kind == catalog.KindStatement {
			continue
		}
		sb.WriteString(slotText(cat, blocks, b.Inputs[seg.Slot], in.Kind, depth))
	}
	return strings.TrimSpace(sb.String())
}

func slotText(cat *catalog.Catalog, blocks map[string]*project.Block, in *project.Input, kind catalog.InputKind, depth int) string {
	var child *project.Block
	if in != nil && in.Block != "" {
		child = blocks[in.Block]
	}
	if child == nil {
		if kind == catalog.KindBoolean {
			return "< >"
		}
		return "( )"
	}
	def, _ := cat.Lookup(child.Opcode)
	if child.Shadow && len(child.Fields) == 1 {
		for _, f := range child.Fields {
			if def.Category == "shadow" {
				return "(" + f.Value + ")"
			}
			return "[" + f.Value + " v]"
		}
	}
	inner := labelDepth(cat, blocks, child, depth+1)
	if def.Shape == catalog.ShapeBoolean {
		return "<" + inner + ">"
	}
	return "(" + inner + ")"
}

// procLabel expands %s %n %b placeholders with the argument inputs.
func procLabel(cat *catalog.Catalog, blocks map[string]*project.Block, b *project.Block, depth int) string {
	if b.Mutation == nil || b.Mutation.ProcCode == "" {
		return b.Opcode
	}
	code := b.Mutation.ProcCode
	var sb strings.Builder
	if b.Opcode == "procedures_prototype" {
		sb.WriteString("define ")
	}
	arg := 0
	for i := 0; i < len(code); i++ {
		if code[i] == '%' && i+1 < len(code) && strings.IndexByte("snb", code[i+1]) >= 0 {
			kind := catalog.KindValue
			if code[i+1] == 'b' {
				kind = catalog.KindBoolean
			}
			switch {
			case b.Opcode == "procedures_prototype" && arg < len(b.Mutation.ArgumentNames):
				sb.WriteString("(" + b.Mutation.ArgumentNames[arg] + ")")
			case arg < len(b.Mutation.ArgumentIDs):
				sb.WriteString(slotText(cat, blocks, b.Inputs[b.Mutation.ArgumentIDs[arg]], kind, depth))
			default:
				sb.WriteString("( )")
			}
			arg++
			i++
			continue
		}
		sb.WriteByte(code[i])
	}
	return sb.String()
}

// Text writes the scripts of t, two spaces per nesting level, with a blank
// line between scripts. colour paints each line in its category colour.
func Text(w io.Writer, cat *catalog.Catalog, t *project.Target, colour bool) error {
	prev := -1
	for _, ln := range Lines(cat, t) {
		if prev >= 0 && ln.Script != prev {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		prev = ln.Script
		text := strings.Repeat("  ", ln.Depth) + ln.Text
		if colour && ln.Opcode != "" {
			text = paint(cat.Colour(ln.Opcode).Fill).Sprint(text)
		}
		if _, err := fmt.Fprintln(w, text); err != nil {
			return err
		}
	}
	return nil
}

func paint(hex string) *color.Color {
	r, g, b, ok := parseHex(hex)
	if !ok {
		return color.New(color.Reset)
	}
	return color.RGB(r, g, b)
}

func parseHex(s string) (r, g, b int, ok bool) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff), true
}
