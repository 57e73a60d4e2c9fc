package software

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/achilleasa/polaris-ddgi/gpu"
)

// dispatchCompute runs groupsX*groupsY*groupsZ thread groups of the bound
// compute pipeline. Each thread group runs on a pool worker.
func (d *Device) dispatchCompute(ctx context.Context, ps *gpu.PipelineState, bindings *gpu.Bindings, groupsX, groupsY, groupsZ int) error {
	if ps == nil {
		return fmt.Errorf("Dispatch without a compute pipeline")
	}
	if missing := bindings.Missing(); len(missing) != 0 {
		return fmt.Errorf("Dispatch with unbound root parameters %v", missing)
	}
	if groupsX <= 0 || groupsY <= 0 || groupsZ <= 0 {
		return fmt.Errorf("invalid thread group counts %dx%dx%d", groupsX, groupsY, groupsZ)
	}

	wg := ps.Workgroup()
	dims := [3]int{groupsX * wg[0], groupsY * wg[1], groupsZ * wg[2]}
	program := ps.Program()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.workers)
	for gz := 0; gz < groupsZ; gz++ {
		for gy := 0; gy < groupsY; gy++ {
			for gx := 0; gx < groupsX; gx++ {
				groupID := [3]int{gx, gy, gz}
				group.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}
					return runThreadGroup(program, bindings, groupID, wg, dims)
				})
			}
		}
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("compute pipeline %q: %w", ps.Name(), err)
	}
	return nil
}

func runThreadGroup(program gpu.ComputeProgram, bindings *gpu.Bindings, groupID, wg, dims [3]int) error {
	for tz := 0; tz < wg[2]; tz++ {
		for ty := 0; ty < wg[1]; ty++ {
			for tx := 0; tx < wg[0]; tx++ {
				ctx := &gpu.ComputeContext{
					DispatchContext: gpu.DispatchContext{
						Bindings: bindings,
						Index:    [3]int{groupID[0]*wg[0] + tx, groupID[1]*wg[1] + ty, groupID[2]*wg[2] + tz},
						Dims:     dims,
					},
					GroupID:       groupID,
					GroupThreadID: [3]int{tx, ty, tz},
				}
				if err := program(ctx); err != nil {
					return fmt.Errorf("thread %v: %w", ctx.Index, err)
				}
			}
		}
	}
	return nil
}
