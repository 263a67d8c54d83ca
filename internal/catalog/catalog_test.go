package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"viiru.dev/internal/project"
)

func TestDefault_LoadsAndValidates(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if len(c.Toolbox) == 0 || c.Toolbox[0] != "motion_movesteps" {
		t.Fatalf("toolbox head=%v", c.Toolbox[:1])
	}
	mv, ok := c.Lookup("motion_movesteps")
	if !ok {
		t.Fatalf("motion_movesteps missing")
	}
	in, ok := mv.Input("STEPS")
	if !ok || in.Shadow != "math_number" || in.Value != "10" || in.Kind != KindValue {
		t.Fatalf("STEPS=%+v", in)
	}
	iff, _ := c.Lookup("control_if")
	cond, _ := iff.Input("CONDITION")
	if cond.Kind != KindBoolean || cond.Shadow != "" {
		t.Fatalf("CONDITION=%+v", cond)
	}
	if got := c.Colour("motion_movesteps").Fill; got != "#5F95F8" {
		t.Fatalf("motion fill=%s", got)
	}
	if got := c.Colour("motion_goto_menu").Fill; got != "#517FD1" {
		t.Fatalf("menu fill=%s", got)
	}
	if got := c.Colour("no_such_block"); got != unknownColour {
		t.Fatalf("unknown colour=%+v", got)
	}
}

func TestDefault_DigestIsStable(t *testing.T) {
	a := MustDefault()
	b := MustDefault()
	if a.Digest == "" || a.Digest != b.Digest {
		t.Fatalf("digest a=%q b=%q", a.Digest, b.Digest)
	}
}

func TestFieldInitial(t *testing.T) {
	c := MustDefault()
	stop, _ := c.Lookup("control_stop")
	f, _ := stop.Field("STOP_OPTION")
	if f.Initial() != "all" {
		t.Fatalf("STOP_OPTION initial=%q", f.Initial())
	}
	eff, _ := c.Lookup("looks_changeeffectby")
	ef, _ := eff.Field("EFFECT")
	if ef.Initial() != "COLOR" || ef.Options[0].Display != "color" {
		t.Fatalf("EFFECT=%+v", ef.Options[0])
	}
	menu, _ := c.Lookup("motion_goto_menu")
	to, _ := menu.Field("TO")
	if to.Initial() != "_random_" {
		t.Fatalf("TO initial=%q", to.Initial())
	}
}

func TestIsCap(t *testing.T) {
	c := MustDefault()
	stop := func(opt string) *project.Block {
		return &project.Block{Opcode: "control_stop", Fields: map[string]*project.Field{
			"STOP_OPTION": {Name: "STOP_OPTION", Value: opt},
		}}
	}
	if !c.IsCap(stop("all")) || !c.IsCap(stop("this script")) {
		t.Fatalf("stop all/this script should be caps")
	}
	if c.IsCap(stop("other scripts in sprite")) {
		t.Fatalf("stop other scripts should not be a cap")
	}
	if !c.IsCap(&project.Block{Opcode: "control_delete_this_clone"}) {
		t.Fatalf("delete this clone should be a cap")
	}
	if !c.IsCap(&project.Block{Opcode: "control_forever"}) {
		t.Fatalf("forever should be a cap")
	}
	if c.IsCap(&project.Block{Opcode: "motion_movesteps"}) {
		t.Fatalf("movesteps is not a cap")
	}
}

func TestSegments(t *testing.T) {
	d := OpcodeDef{Label: "set size to %SIZE %"}
	got := d.Segments()
	if len(got) != 3 || got[0].Text != "set size to " || got[1].Slot != "SIZE" || got[2].Text != " %" {
		t.Fatalf("segments=%+v", got)
	}
	d = OpcodeDef{Label: "%NUM1 + %NUM2"}
	got = d.Segments()
	if len(got) != 3 || got[0].Slot != "NUM1" || got[1].Text != " + " || got[2].Slot != "NUM2" {
		t.Fatalf("segments=%+v", got)
	}
}

func TestLoad_OverlaysJSONCAndYAML(t *testing.T) {
	dir := t.TempDir()
	jc := `{
  // custom pen block
  "categories": {"pen": {"fill": "#0FBD8C", "text": "#FFFFFF", "border": "#0B8E69"}},
  "opcodes": [
    {"opcode": "pen_clear", "category": "pen", "shape": "stack", "label": "erase all"},
  ],
}`
	if err := os.WriteFile(filepath.Join(dir, "10-pen.jsonc"), []byte(jc), 0o644); err != nil {
		t.Fatal(err)
	}
	y := "opcodes:\n  - {opcode: motion_movesteps, category: motion, shape: stack, label: \"walk %STEPS\", inputs: [{name: STEPS, shadow: math_number, value: \"3\"}]}\n"
	if err := os.WriteFile(filepath.Join(dir, "20-walk.yaml"), []byte(y), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := c.Lookup("pen_clear"); !ok {
		t.Fatalf("pen_clear not overlaid")
	}
	mv, _ := c.Lookup("motion_movesteps")
	if in, _ := mv.Input("STEPS"); in.Value != "3" {
		t.Fatalf("STEPS default=%q want 3", in.Value)
	}
	if c.Digest == MustDefault().Digest {
		t.Fatalf("digest should change with overlays")
	}
}

func TestLoad_RejectsBadShadowReference(t *testing.T) {
	dir := t.TempDir()
	y := "opcodes:\n  - {opcode: bad_block, category: motion, shape: stack, label: x, inputs: [{name: A, shadow: motion_movesteps}]}\n"
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(y), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for non-shadow reference")
	}
}
