package editor

import (
	"context"
	"fmt"

	"viiru.dev/internal/project"
)

// Op names a mutating operation. Values match the API method names.
type Op string

const (
	OpNewProject       Op = "newProject"
	OpLoadProject      Op = "loadProject"
	OpSaveProject      Op = "saveProject"
	OpSetEditingTarget Op = "setEditingTarget"
	OpCreateBlock      Op = "createBlock"
	OpDeleteBlock      Op = "deleteBlock"
	OpSlideBlock       Op = "slideBlock"
	OpAttachBlock      Op = "attachBlock"
	OpDetachBlock      Op = "detachBlock"
	OpChangeField      Op = "changeField"
	OpChangeMutation   Op = "changeMutation"
)

// Change is one applied operation. The same record drives live calls, the
// journal and replay.
type Change struct {
	Seq      uint64            `json:"seq"`
	TimeMS   int64             `json:"time_ms"`
	Op       Op                `json:"op"`
	Target   string            `json:"target,omitempty"`
	BlockID  string            `json:"block_id,omitempty"`
	Opcode   string            `json:"opcode,omitempty"`
	Parent   string            `json:"parent,omitempty"`
	Input    string            `json:"input,omitempty"`
	Shadow   bool              `json:"shadow,omitempty"`
	X        float64           `json:"x,omitempty"`
	Y        float64           `json:"y,omitempty"`
	Field    string            `json:"field,omitempty"`
	Value    string            `json:"value,omitempty"`
	DataID   string            `json:"data_id,omitempty"`
	Mutation *project.Mutation `json:"mutation,omitempty"`
	Path     string            `json:"path,omitempty"`
	// Blake3 of the archive bytes a loadProject read.
	Blake3 string `json:"blake3,omitempty"`
	// Digest of the editing target's blocks after the change.
	Digest string `json:"digest,omitempty"`
}

// Apply runs c against the editor. A created block's id is written back to
// c.BlockID so replaying c recreates the same id; c.Target records the
// editing target the change landed on.
func (e *Editor) Apply(ctx context.Context, c *Change) error {
	var err error
	switch c.Op {
	case OpNewProject:
		e.NewProject()
	case OpLoadProject:
		err = e.LoadProject(ctx, c.Path)
		if err == nil {
			c.Blake3 = e.loaded
		}
	case OpSaveProject:
		err = e.SaveProject(ctx, c.Path)
	case OpSetEditingTarget:
		err = e.SetEditingTarget(c.Target)
	case OpCreateBlock:
		var id string
		id, err = e.CreateBlock(c.Opcode, c.Shadow, c.BlockID)
		if err == nil {
			c.BlockID = id
		}
	case OpDeleteBlock:
		err = e.DeleteBlock(c.BlockID)
	case OpSlideBlock:
		err = e.SlideBlock(c.BlockID, c.X, c.Y)
	case OpAttachBlock:
		err = e.AttachBlock(c.BlockID, c.Parent, c.Input, c.Shadow)
	case OpDetachBlock:
		err = e.DetachBlock(c.BlockID)
	case OpChangeField:
		err = e.ChangeField(c.BlockID, c.Field, c.Value, c.DataID)
	case OpChangeMutation:
		if c.Mutation == nil {
			return fmt.Errorf("changeMutation without payload: %w", ErrInvalidMutation)
		}
		err = e.ChangeMutation(c.BlockID, *c.Mutation)
	default:
		return fmt.Errorf("op %q: %w", c.Op, ErrBadRequest)
	}
	if err != nil {
		return err
	}
	c.Target = e.EditingTarget()
	return nil
}
