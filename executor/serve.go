package executor

import (
	"context"
	"io"
	"time"
)

// Serve runs the executor on conn until ctx is done or the link fails.
// The caller closes conn to release the reader.
func (x *Executor) Serve(ctx context.Context, conn io.ReadWriter) error {
	errc := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				x.Receive(buf[:n], time.Now())
				if werr := x.Drain(conn); werr != nil {
					errc <- werr
					return
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()
	return x.run(ctx, conn, errc)
}

// run plays samples at the configured period. Samples are timed against a
// schedule, so a late wakeup plays the missed samples back to back.
func (x *Executor) run(ctx context.Context, w io.Writer, errc <-chan error) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case <-timer.C:
		}

		now := time.Now()
		period := x.Period()
		if now.Sub(next) > maxLag {
			next = now
		}
		for !next.After(now) {
			x.Tick(next)
			next = next.Add(period)
		}
		x.Service(now)
		if err := x.Drain(w); err != nil {
			return err
		}
		timer.Reset(time.Until(next))
	}
}
