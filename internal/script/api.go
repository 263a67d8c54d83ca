package script

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"viiru.dev/internal/bridge"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/project"
)

// bind builds the `api` object. Project I/O reports failure as false;
// every other failure throws.
func bind(ctx context.Context, vm *goja.Runtime, api bridge.API) *goja.Object {
	o := vm.NewObject()
	set := func(name string, f func(goja.FunctionCall) goja.Value) {
		_ = o.Set(name, f)
	}
	check := func(err error) {
		if err != nil {
			throw(vm, err)
		}
	}

	set("loadProject", func(call goja.FunctionCall) goja.Value {
		err := api.LoadProject(ctx, argString(call, 0))
		if bridge.Cancelled(err) {
			throw(vm, err)
		}
		return vm.ToValue(err == nil)
	})
	set("saveProject", func(call goja.FunctionCall) goja.Value {
		err := api.SaveProject(ctx, argString(call, 0))
		if bridge.Cancelled(err) {
			throw(vm, err)
		}
		return vm.ToValue(err == nil)
	})
	set("createBlock", func(call goja.FunctionCall) goja.Value {
		id, err := api.CreateBlock(ctx, argString(call, 0), call.Argument(1).ToBoolean(), argString(call, 2))
		check(err)
		return vm.ToValue(id)
	})
	set("deleteBlock", func(call goja.FunctionCall) goja.Value {
		check(api.DeleteBlock(ctx, argString(call, 0)))
		return goja.Undefined()
	})
	set("slideBlock", func(call goja.FunctionCall) goja.Value {
		check(api.SlideBlock(ctx, argString(call, 0), call.Argument(1).ToFloat(), call.Argument(2).ToFloat()))
		return goja.Undefined()
	})
	set("attachBlock", func(call goja.FunctionCall) goja.Value {
		check(api.AttachBlock(ctx, argString(call, 0), argString(call, 1), argString(call, 2), call.Argument(3).ToBoolean()))
		return goja.Undefined()
	})
	set("detachBlock", func(call goja.FunctionCall) goja.Value {
		check(api.DetachBlock(ctx, argString(call, 0)))
		return goja.Undefined()
	})
	set("changeField", func(call goja.FunctionCall) goja.Value {
		check(api.ChangeField(ctx, argString(call, 0), argString(call, 1), argString(call, 2), argString(call, 3)))
		return goja.Undefined()
	})
	set("changeMutation", func(call goja.FunctionCall) goja.Value {
		m, err := exportMutation(call.Argument(1))
		check(err)
		check(api.ChangeMutation(ctx, argString(call, 0), m))
		return goja.Undefined()
	})
	set("getAllBlocks", func(call goja.FunctionCall) goja.Value {
		blocks, err := api.GetAllBlocks(ctx)
		check(err)
		return toJS(vm, blocks)
	})
	set("getVariablesOfType", func(call goja.FunctionCall) goja.Value {
		vars, err := api.GetVariablesOfType(ctx, project.VarType(argString(call, 0)))
		check(err)
		return toJS(vm, vars)
	})
	set("setEditingTarget", func(call goja.FunctionCall) goja.Value {
		check(api.SetEditingTarget(ctx, argString(call, 0)))
		return goja.Undefined()
	})
	return o
}

func exportMutation(v goja.Value) (project.Mutation, error) {
	var m project.Mutation
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return m, fmt.Errorf("mutation object required: %w", editor.ErrInvalidMutation)
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return m, fmt.Errorf("mutation: %v: %w", err, editor.ErrInvalidMutation)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("mutation: %v: %w", err, editor.ErrInvalidMutation)
	}
	return m, nil
}
