// Package driver holds the built-in core programs: the flag/if demo and the
// toolbox gallery. Both talk to the editor only through bridge.API, so they
// run the same in-process or over a websocket.
package driver

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"

	"viiru.dev/internal/bridge"
)

type Options struct {
	// GridPx converts grid cells into workspace pixels.
	GridPx float64
	// Columns is the gallery column height, in blocks.
	Columns int
	Logger  *log.Logger
}

type Driver struct {
	api     bridge.API
	gridPx  float64
	columns int
	log     *log.Logger
}

func New(api bridge.API, opts Options) *Driver {
	d := &Driver{api: api, gridPx: opts.GridPx, columns: opts.Columns, log: opts.Logger}
	if d.gridPx <= 0 {
		d.gridPx = 50
	}
	if d.columns <= 0 {
		d.columns = 20
	}
	if d.log == nil {
		d.log = log.New(io.Discard, "", 0)
	}
	return d
}

// Slide moves a top-level block to grid cell (col, row).
func (d *Driver) Slide(ctx context.Context, id string, col, row int) error {
	return d.api.SlideBlock(ctx, id, float64(col)*d.gridPx, float64(row)*d.gridPx)
}

// DemoIDs names the blocks Demo builds.
type DemoIDs struct {
	Hat, If, Equals, Say, Move string
}

// Demo builds
//
//	when flag clicked
//	if <() = (50)> then
//	  say (greeting)
//	end
//	move (10) steps
//
// in the editing target.
func (d *Driver) Demo(ctx context.Context, greeting string) (DemoIDs, error) {
	var ids DemoIDs
	var err error
	create := func(dst *string, opcode string) {
		if err != nil {
			return
		}
		*dst, err = d.api.CreateBlock(ctx, opcode, false, "")
	}
	create(&ids.Hat, "event_whenflagclicked")
	create(&ids.If, "control_if")
	create(&ids.Equals, "operator_equals")
	create(&ids.Say, "looks_say")
	create(&ids.Move, "motion_movesteps")
	if err != nil {
		return ids, fmt.Errorf("create: %w", err)
	}

	steps := []struct {
		id, parent, input string
	}{
		{ids.If, ids.Hat, ""},
		{ids.Equals, ids.If, "CONDITION"},
		{ids.Say, ids.If, "SUBSTACK"},
		{ids.Move, ids.If, ""},
	}
	for _, s := range steps {
		if err := d.api.AttachBlock(ctx, s.id, s.parent, s.input, false); err != nil {
			return ids, fmt.Errorf("attach %s: %w", s.id, err)
		}
	}
	if err := d.Slide(ctx, ids.Hat, 2, 2); err != nil {
		return ids, err
	}

	if greeting != "" {
		blocks, err := d.api.GetAllBlocks(ctx)
		if err != nil {
			return ids, err
		}
		if in := blocks[ids.Say].Inputs["MESSAGE"]; in != nil && in.Shadow != "" {
			if err := d.api.ChangeField(ctx, in.Shadow, "TEXT", greeting, ""); err != nil {
				return ids, fmt.Errorf("greeting: %w", err)
			}
		}
	}
	d.log.Printf("demo: hat=%s if=%s", ids.Hat, ids.If)
	return ids, nil
}

// Gallery creates one block per opcode with the opcode's index as its id and
// lays them out in columns. Opcodes the editor rejects are skipped and
// returned in failed.
func (d *Driver) Gallery(ctx context.Context, opcodes []string) (created []string, failed map[string]error, err error) {
	failed = map[string]error{}
	for i, op := range opcodes {
		if err := ctx.Err(); err != nil {
			return created, failed, err
		}
		id, cerr := d.api.CreateBlock(ctx, op, false, strconv.Itoa(i))
		if cerr != nil {
			if bridge.Cancelled(cerr) {
				return created, failed, cerr
			}
			failed[op] = cerr
			continue
		}
		col, row := i/d.columns, i%d.columns
		if err := d.Slide(ctx, id, 2+col*8, row*2); err != nil {
			return created, failed, err
		}
		created = append(created, id)
	}
	d.log.Printf("gallery: created=%d failed=%d", len(created), len(failed))
	return created, failed, nil
}

// Run loads in (when set), runs program and saves to out (when set).
func Run(ctx context.Context, api bridge.API, in, out string, program func(context.Context) error) error {
	if in != "" {
		if err := api.LoadProject(ctx, in); err != nil {
			return err
		}
	}
	if err := program(ctx); err != nil {
		return err
	}
	if out != "" {
		return api.SaveProject(ctx, out)
	}
	return nil
}
