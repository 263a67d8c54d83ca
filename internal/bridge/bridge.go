// Package bridge defines the block API handed to core programs and the
// plumbing shared by its transports: error codes and method dispatch.
package bridge

import (
	"context"

	"viiru.dev/internal/editor"
	"viiru.dev/internal/project"
)

// API is the block-editing surface. Implementations: session.Session,
// Direct and ws.Client.
type API interface {
	LoadProject(ctx context.Context, path string) error
	SaveProject(ctx context.Context, path string) error
	CreateBlock(ctx context.Context, opcode string, isShadow bool, id string) (string, error)
	DeleteBlock(ctx context.Context, id string) error
	SlideBlock(ctx context.Context, id string, x, y float64) error
	AttachBlock(ctx context.Context, id, newParent, newInput string, isShadow bool) error
	DetachBlock(ctx context.Context, id string) error
	ChangeField(ctx context.Context, id, name, value, dataID string) error
	ChangeMutation(ctx context.Context, id string, m project.Mutation) error
	GetAllBlocks(ctx context.Context) (map[string]*project.Block, error)
	GetVariablesOfType(ctx context.Context, t project.VarType) (map[string]string, error)
	SetEditingTarget(ctx context.Context, name string) error
}

// Direct adapts a bare editor. It adds no locking; use it from one goroutine.
func Direct(e *editor.Editor) API { return direct{e} }

type direct struct{ e *editor.Editor }

func (d direct) LoadProject(ctx context.Context, path string) error {
	return d.e.LoadProject(ctx, path)
}

func (d direct) SaveProject(ctx context.Context, path string) error {
	return d.e.SaveProject(ctx, path)
}

func (d direct) CreateBlock(ctx context.Context, opcode string, isShadow bool, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.e.CreateBlock(opcode, isShadow, id)
}

func (d direct) DeleteBlock(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.e.DeleteBlock(id)
}

func (d direct) SlideBlock(ctx context.Context, id string, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.e.SlideBlock(id, x, y)
}

func (d direct) AttachBlock(ctx context.Context, id, newParent, newInput string, isShadow bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.e.AttachBlock(id, newParent, newInput, isShadow)
}

func (d direct) DetachBlock(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.e.DetachBlock(id)
}

func (d direct) ChangeField(ctx context.Context, id, name, value, dataID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.e.ChangeField(id, name, value, dataID)
}

func (d direct) ChangeMutation(ctx context.Context, id string, m project.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.e.ChangeMutation(id, m)
}

func (d direct) GetAllBlocks(ctx context.Context) (map[string]*project.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.e.GetAllBlocks(), nil
}

func (d direct) GetVariablesOfType(ctx context.Context, t project.VarType) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.e.GetVariablesOfType(t)
}

func (d direct) SetEditingTarget(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.e.SetEditingTarget(name)
}
