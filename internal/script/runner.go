// Package script runs a JavaScript core program against the block API.
//
// The program sees a global `api` object and `console`. If it defines a
// function `main`, main(api) is called once after the top-level code ran.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/dop251/goja"

	"viiru.dev/internal/bridge"
)

type Runner struct {
	logger *log.Logger
}

// New returns a runner whose console output goes to logger.
func New(logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Runner{logger: logger}
}

// RunFile reads and runs a script file.
func (r *Runner) RunFile(ctx context.Context, path string, api bridge.API) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return r.Run(ctx, path, string(src), api)
}

// Run executes src. Cancelling ctx interrupts the program.
func (r *Runner) Run(ctx context.Context, name, src string, api bridge.API) error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	r.registerConsole(vm)
	obj := bind(ctx, vm, api)
	if err := vm.Set("api", obj); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	if _, err := vm.RunScript(name, src); err != nil {
		return r.wrap(ctx, name, err)
	}
	main, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return nil
	}
	if _, err := main(goja.Undefined(), obj); err != nil {
		return r.wrap(ctx, name, err)
	}
	return nil
}

func (r *Runner) wrap(ctx context.Context, name string, err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) && ctx.Err() != nil {
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (r *Runner) registerConsole(vm *goja.Runtime) {
	console := vm.NewObject()
	logAt := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			r.logger.Printf("%s%s", level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logAt(""))
	_ = console.Set("info", logAt(""))
	_ = console.Set("warn", logAt("WARN: "))
	_ = console.Set("error", logAt("ERROR: "))
	_ = vm.Set("console", console)
}

// throw raises err in JS as an Error carrying the wire code in `code`.
func throw(vm *goja.Runtime, err error) {
	e := vm.NewGoError(err)
	_ = e.Set("code", bridge.CodeFor(err))
	panic(e)
}

func argString(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// toJS converts through JSON so scripts see the wire shape of a value.
func toJS(vm *goja.Runtime, v any) goja.Value {
	b, err := json.Marshal(v)
	if err != nil {
		throw(vm, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		throw(vm, err)
	}
	return vm.ToValue(out)
}
