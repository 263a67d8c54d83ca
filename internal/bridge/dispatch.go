package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"viiru.dev/internal/editor"
	"viiru.dev/internal/protocol"
)

// Dispatch decodes params for method and calls it on api. The result is nil
// for methods that return nothing.
func Dispatch(ctx context.Context, api API, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodLoadProject:
		var p protocol.PathParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, api.LoadProject(ctx, p.Path)
	case protocol.MethodSaveProject:
		var p protocol.PathParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, api.SaveProject(ctx, p.Path)
	case protocol.MethodCreateBlock:
		var p protocol.CreateBlockParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		id, err := api.CreateBlock(ctx, p.Opcode, p.IsShadow, p.ID)
		if err != nil {
			return nil, err
		}
		return protocol.CreateBlockResult{ID: id}, nil
	case protocol.MethodDeleteBlock:
		var p protocol.BlockParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, api.DeleteBlock(ctx, p.ID)
	case protocol.MethodSlideBlock:
		var p protocol.SlideBlockParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, api.SlideBlock(ctx, p.ID, p.X, p.Y)
	case protocol.MethodAttachBlock:
		var p protocol.AttachBlockParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, api.AttachBlock(ctx, p.ID, p.NewParent, p.NewInput, p.IsShadow)
	case protocol.MethodDetachBlock:
		var p protocol.BlockParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, api.DetachBlock(ctx, p.ID)
	case protocol.MethodChangeField:
		var p protocol.ChangeFieldParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, api.ChangeField(ctx, p.ID, p.Name, p.Value, p.DataID)
	case protocol.MethodChangeMutation:
		var p protocol.ChangeMutationParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, api.ChangeMutation(ctx, p.ID, p.Mutation)
	case protocol.MethodGetAllBlocks:
		return api.GetAllBlocks(ctx)
	case protocol.MethodGetVariablesOfType:
		var p protocol.VariablesParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return api.GetVariablesOfType(ctx, p.Type)
	case protocol.MethodSetEditingTarget:
		var p protocol.TargetParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, api.SetEditingTarget(ctx, p.Name)
	}
	return nil, fmt.Errorf("method %q: %w", method, editor.ErrBadRequest)
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("params: %v: %w", err, editor.ErrBadRequest)
	}
	return nil
}
