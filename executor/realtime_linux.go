//go:build linux && !baremetal

package executor

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sys/unix"
)

// RunPinned serves conn with the sample loop locked to an OS thread bound
// to cpu, ideally one isolated from the scheduler.
func (x *Executor) RunPinned(ctx context.Context, conn io.ReadWriter, cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin sample loop to cpu %d: %w", cpu, err)
	}
	return x.Serve(ctx, conn)
}
