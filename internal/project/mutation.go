package project

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mutation is the extra per-block state carried by custom procedure blocks
// and control_stop.
type Mutation struct {
	TagName          string   `json:"tagName"`
	ProcCode         string   `json:"proccode,omitempty"`
	ArgumentIDs      []string `json:"argumentids,omitempty"`
	ArgumentNames    []string `json:"argumentnames,omitempty"`
	ArgumentDefaults []string `json:"argumentdefaults,omitempty"`
	Warp             *bool    `json:"warp,omitempty"`
	HasNext          *bool    `json:"hasnext,omitempty"`
}

func (m Mutation) Clone() Mutation {
	c := m
	c.ArgumentIDs = cloneStrings(m.ArgumentIDs)
	c.ArgumentNames = cloneStrings(m.ArgumentNames)
	c.ArgumentDefaults = cloneStrings(m.ArgumentDefaults)
	if m.Warp != nil {
		w := *m.Warp
		c.Warp = &w
	}
	if m.HasNext != nil {
		h := *m.HasNext
		c.HasNext = &h
	}
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

// ArgCount counts the %s / %n / %b placeholders of a procedure code.
func ArgCount(proccode string) int {
	n := 0
	for i := 0; i+1 < len(proccode); i++ {
		if proccode[i] != '%' {
			continue
		}
		switch proccode[i+1] {
		case 's', 'n', 'b':
			n++
			i++
		}
	}
	return n
}

// wireMutation is the project.json form: list-valued attributes are JSON
// strings and booleans are "true"/"false".
type wireMutation struct {
	TagName          string          `json:"tagName"`
	Children         []any           `json:"children"`
	ProcCode         *string         `json:"proccode,omitempty"`
	ArgumentIDs      *string         `json:"argumentids,omitempty"`
	ArgumentNames    *string         `json:"argumentnames,omitempty"`
	ArgumentDefaults *string         `json:"argumentdefaults,omitempty"`
	Warp             json.RawMessage `json:"warp,omitempty"`
	HasNext          json.RawMessage `json:"hasnext,omitempty"`
}

func (m Mutation) toWire() wireMutation {
	w := wireMutation{TagName: m.TagName, Children: []any{}}
	if w.TagName == "" {
		w.TagName = "mutation"
	}
	if m.ProcCode != "" {
		pc := m.ProcCode
		w.ProcCode = &pc
		w.ArgumentIDs = encodeList(m.ArgumentIDs, true)
	}
	w.ArgumentNames = encodeList(m.ArgumentNames, false)
	w.ArgumentDefaults = encodeList(m.ArgumentDefaults, false)
	if m.Warp != nil {
		w.Warp = encodeBool(*m.Warp)
	}
	if m.HasNext != nil {
		w.HasNext = encodeBool(*m.HasNext)
	}
	return w
}

func encodeList(v []string, always bool) *string {
	if v == nil && !always {
		return nil
	}
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	s := string(b)
	return &s
}

func encodeBool(v bool) json.RawMessage {
	if v {
		return json.RawMessage(`"true"`)
	}
	return json.RawMessage(`"false"`)
}

func (w wireMutation) toMutation() (Mutation, error) {
	m := Mutation{TagName: w.TagName}
	if w.ProcCode != nil {
		m.ProcCode = *w.ProcCode
	}
	var err error
	if m.ArgumentIDs, err = decodeList(w.ArgumentIDs); err != nil {
		return m, fmt.Errorf("argumentids: %w", err)
	}
	if m.ArgumentNames, err = decodeList(w.ArgumentNames); err != nil {
		return m, fmt.Errorf("argumentnames: %w", err)
	}
	if m.ArgumentDefaults, err = decodeList(w.ArgumentDefaults); err != nil {
		return m, fmt.Errorf("argumentdefaults: %w", err)
	}
	if m.Warp, err = decodeBool(w.Warp); err != nil {
		return m, fmt.Errorf("warp: %w", err)
	}
	if m.HasNext, err = decodeBool(w.HasNext); err != nil {
		return m, fmt.Errorf("hasnext: %w", err)
	}
	return m, nil
}

func decodeList(s *string) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	var raw []any
	if err := json.Unmarshal([]byte(*s), &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch x := v.(type) {
		case string:
			out = append(out, x)
		default:
			b, _ := json.Marshal(x)
			out = append(out, string(b))
		}
	}
	return out, nil
}

// decodeBool accepts both "true" strings and bare booleans; older editors
// wrote either.
func decodeBool(raw json.RawMessage) (*bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	v := strings.EqualFold(strings.TrimSpace(s), "true")
	return &v, nil
}
