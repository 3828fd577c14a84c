//go:build !linux || baremetal

package executor

import (
	"context"
	"errors"
	"io"
)

// RunPinned is only available on Linux.
func (x *Executor) RunPinned(ctx context.Context, conn io.ReadWriter, cpu int) error {
	return errors.New("executor: cpu pinning is not supported on this platform")
}
