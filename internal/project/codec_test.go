package project

import (
	"encoding/json"
	"testing"
)

const sampleProject = `{
  "targets": [
    {
      "isStage": true,
      "name": "Stage",
      "variables": {"v1": ["my variable", 0], "cloud": ["☁ score", 12, true]},
      "lists": {"l1": ["things", ["a", "b"]]},
      "broadcasts": {"b1": "message1"},
      "blocks": {},
      "costumes": [{"name": "backdrop1"}],
      "tempo": 60
    },
    {
      "isStage": false,
      "name": "Sprite1",
      "variables": {},
      "lists": {},
      "broadcasts": {},
      "blocks": {
        "hat": {"opcode": "event_whenflagclicked", "next": "move", "parent": null, "inputs": {}, "fields": {}, "shadow": false, "topLevel": true, "x": 10, "y": 20},
        "move": {"opcode": "motion_movesteps", "next": null, "parent": "hat", "inputs": {"STEPS": [1, [4, "10"]]}, "fields": {}, "shadow": false, "topLevel": false},
        "say": {"opcode": "looks_say", "next": null, "parent": null, "inputs": {"MESSAGE": [3, "join", [10, "Hello!"]]}, "fields": {}, "shadow": false, "topLevel": true, "x": 0, "y": 200},
        "join": {"opcode": "operator_join", "next": null, "parent": "say", "inputs": {"STRING1": [1, [10, "a"]], "STRING2": [2, [12, "my variable", "v1"]]}, "fields": {}, "shadow": false, "topLevel": false},
        "setvar": {"opcode": "data_setvariableto", "next": null, "parent": null, "inputs": {"VALUE": [1, null]}, "fields": {"VARIABLE": ["my variable", "v1"]}, "shadow": false, "topLevel": true, "x": 0, "y": 400},
        "call": {"opcode": "procedures_call", "next": null, "parent": null, "inputs": {}, "fields": {}, "shadow": false, "topLevel": true, "x": 0, "y": 600,
                 "mutation": {"tagName": "mutation", "children": [], "proccode": "jump %s", "argumentids": "[\"arg1\"]", "warp": "false"}},
        "loose": [12, "my variable", "v1", 300, 40]
      },
      "currentCostume": 0,
      "visible": true
    }
  ],
  "monitors": [],
  "extensions": ["pen"],
  "meta": {"semver": "3.0.0"}
}`

func TestDecode_ExpandsPrimitivesAndKeepsLinks(t *testing.T) {
	p, err := Decode([]byte(sampleProject))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Targets) != 2 {
		t.Fatalf("targets=%d want 2", len(p.Targets))
	}
	stage := p.Stage()
	if stage == nil || stage.Name != "Stage" {
		t.Fatalf("stage not found")
	}
	if got := stage.VariablesOfType(VarScalar); len(got) != 2 || got["v1"] != "my variable" {
		t.Fatalf("scalar vars=%v", got)
	}
	if !stage.Variables["cloud"].IsCloud {
		t.Fatalf("cloud flag lost")
	}
	if got := stage.VariablesOfType(VarList); got["l1"] != "things" {
		t.Fatalf("lists=%v", got)
	}
	if got := stage.VariablesOfType(VarBroadcast); got["b1"] != "message1" {
		t.Fatalf("broadcasts=%v", got)
	}
	if _, ok := stage.Extra["costumes"]; !ok {
		t.Fatalf("expected costumes kept in Extra")
	}

	sprite := p.DefaultTarget()
	if sprite.Name != "Sprite1" {
		t.Fatalf("default target=%q want Sprite1", sprite.Name)
	}
	move := sprite.Blocks["move"]
	if move.Parent != "hat" || sprite.Blocks["hat"].Next != "move" {
		t.Fatalf("next/parent link lost")
	}
	steps := move.Inputs["STEPS"]
	if steps.Block == "" || steps.Block != steps.Shadow {
		t.Fatalf("STEPS input=%+v want same block and shadow", steps)
	}
	num := sprite.Blocks[steps.Block]
	if num.Opcode != "math_number" || !num.Shadow || num.Parent != "move" || num.Fields["NUM"].Value != "10" {
		t.Fatalf("expanded shadow=%+v", num)
	}

	msg := sprite.Blocks["say"].Inputs["MESSAGE"]
	if msg.Block != "join" || msg.Shadow == "" || !msg.Obscured() {
		t.Fatalf("MESSAGE input=%+v want obscured shadow", msg)
	}
	if sprite.Blocks[msg.Shadow].Opcode != "text" {
		t.Fatalf("obscured shadow opcode=%q", sprite.Blocks[msg.Shadow].Opcode)
	}

	s2 := sprite.Blocks["join"].Inputs["STRING2"]
	vr := sprite.Blocks[s2.Block]
	if s2.Shadow != "" || vr.Opcode != "data_variable" || vr.Shadow || vr.Fields["VARIABLE"].ID != "v1" {
		t.Fatalf("variable reporter=%+v input=%+v", vr, s2)
	}

	if in := sprite.Blocks["setvar"].Inputs["VALUE"]; in.Block != "" || in.Shadow != "" {
		t.Fatalf("empty input=%+v", in)
	}
	if f := sprite.Blocks["setvar"].Fields["VARIABLE"]; f.Value != "my variable" || f.ID != "v1" {
		t.Fatalf("field=%+v", f)
	}

	m := sprite.Blocks["call"].Mutation
	if m == nil || m.ProcCode != "jump %s" || len(m.ArgumentIDs) != 1 || m.ArgumentIDs[0] != "arg1" {
		t.Fatalf("mutation=%+v", m)
	}
	if m.Warp == nil || *m.Warp {
		t.Fatalf("warp=%v want false", m.Warp)
	}

	loose := sprite.Blocks["loose"]
	if loose.Opcode != "data_variable" || !loose.TopLevel || loose.X != 300 || loose.Y != 40 {
		t.Fatalf("top-level primitive=%+v", loose)
	}
}

func TestDecode_PrimitiveIDsAreStable(t *testing.T) {
	a, err := Decode([]byte(sampleProject))
	if err != nil {
		t.Fatalf("decode a: %v", err)
	}
	b, err := Decode([]byte(sampleProject))
	if err != nil {
		t.Fatalf("decode b: %v", err)
	}
	ta, tb := a.DefaultTarget(), b.DefaultTarget()
	if len(ta.Blocks) != len(tb.Blocks) {
		t.Fatalf("block count differs: %d vs %d", len(ta.Blocks), len(tb.Blocks))
	}
	for id := range ta.Blocks {
		if _, ok := tb.Blocks[id]; !ok {
			t.Fatalf("id %q not reproduced", id)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	p, err := Decode([]byte(sampleProject))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	q, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode again: %v", err)
	}
	before, after := p.DefaultTarget().Blocks, q.DefaultTarget().Blocks
	if len(before) != len(after) {
		t.Fatalf("blocks=%d want %d", len(after), len(before))
	}
	for id, b := range before {
		c, ok := after[id]
		if !ok {
			t.Fatalf("block %q lost", id)
		}
		if c.Opcode != b.Opcode || c.Next != b.Next || c.Parent != b.Parent || c.Shadow != b.Shadow {
			t.Fatalf("block %q changed: %+v -> %+v", id, b, c)
		}
		for name, in := range b.Inputs {
			got := c.Inputs[name]
			if got == nil || got.Block != in.Block || got.Shadow != in.Shadow {
				t.Fatalf("block %q input %s: %+v -> %+v", id, name, in, got)
			}
		}
	}
	if m := after["call"].Mutation; m == nil || m.ProcCode != "jump %s" {
		t.Fatalf("mutation lost: %+v", m)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ext, _ := doc["extensions"].([]any)
	if len(ext) != 1 || ext[0] != "pen" {
		t.Fatalf("extensions=%v", doc["extensions"])
	}
}

func TestEncode_MutationUsesStringEncodedLists(t *testing.T) {
	warp := true
	b := &Block{
		ID:     "proto",
		Opcode: "procedures_prototype",
		Inputs: map[string]*Input{},
		Fields: map[string]*Field{},
		Shadow: true,
		Mutation: &Mutation{
			TagName:          "mutation",
			ProcCode:         "say %s and %b",
			ArgumentIDs:      []string{"a", "b"},
			ArgumentNames:    []string{"text", "flag"},
			ArgumentDefaults: []string{"", "false"},
			Warp:             &warp,
		},
	}
	raw, err := json.Marshal(encodeBlock(b))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		Mutation map[string]any `json:"mutation"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Mutation["argumentids"] != `["a","b"]` {
		t.Fatalf("argumentids=%v", got.Mutation["argumentids"])
	}
	if got.Mutation["warp"] != "true" {
		t.Fatalf("warp=%v", got.Mutation["warp"])
	}
}

func TestArgCount(t *testing.T) {
	cases := map[string]int{
		"jump":             0,
		"jump %s":          1,
		"move %n to %s %b": 3,
		"100%% done %n":    1,
	}
	for code, want := range cases {
		if got := ArgCount(code); got != want {
			t.Fatalf("ArgCount(%q)=%d want %d", code, got, want)
		}
	}
}

func TestDecode_RejectsUnknownInputTag(t *testing.T) {
	doc := `{"targets":[{"isStage":false,"name":"S","blocks":{"a":{"opcode":"x","inputs":{"I":[9,"b"]},"fields":{}}}}]}`
	if _, err := Decode([]byte(doc)); err == nil {
		t.Fatalf("expected error for input tag 9")
	}
}
