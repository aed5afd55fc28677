// Package resource enforces best-effort caps on memory, vector count,
// concurrent operations and snapshot IO throughput. The database facade
// consults the controller before mutating state, so a rejected acquisition
// leaves the index untouched.
package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrResourceLimit is returned when an acquisition would exceed a cap.
var ErrResourceLimit = errors.New("resource: limit exceeded")

// Options holds the resource caps. Zero values disable the respective cap.
type Options struct {
	// MaxMemoryBytes caps the tracked memory of stored vectors and
	// metadata.
	MaxMemoryBytes int64

	// MaxVectors caps the number of live vectors.
	MaxVectors int64

	// MaxConcurrentOps caps in-flight operations.
	MaxConcurrentOps int64

	// IOBytesPerSec throttles snapshot and log IO.
	IOBytesPerSec int64
}

// DefaultOptions holds the default resource options: everything unlimited.
var DefaultOptions = Options{}

// Stats is a point-in-time usage snapshot.
type Stats struct {
	MemoryBytes int64
	Vectors     int64
	Limits      Options
}

// Controller tracks usage against the configured caps. A nil controller is
// valid and enforces nothing.
type Controller struct {
	opts Options

	memUsed atomic.Int64
	vectors atomic.Int64

	opSem     *semaphore.Weighted // nil when unlimited
	ioLimiter *rate.Limiter       // nil when unlimited
}

// NewController creates a controller with the given caps.
func NewController(optFns ...func(o *Options)) *Controller {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	c := &Controller{opts: opts}
	if opts.MaxConcurrentOps > 0 {
		c.opSem = semaphore.NewWeighted(opts.MaxConcurrentOps)
	}
	if opts.IOBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(opts.IOBytesPerSec), int(opts.IOBytesPerSec))
	}
	return c
}

// AcquireInsert reserves room for one vector of the given byte size, or
// fails with ErrResourceLimit before any state changes.
func (c *Controller) AcquireInsert(bytes int64) error {
	if c == nil {
		return nil
	}
	if c.opts.MaxVectors > 0 && c.vectors.Load() >= c.opts.MaxVectors {
		return ErrResourceLimit
	}
	if c.opts.MaxMemoryBytes > 0 && c.memUsed.Load()+bytes > c.opts.MaxMemoryBytes {
		return ErrResourceLimit
	}
	c.vectors.Add(1)
	c.memUsed.Add(bytes)
	return nil
}

// ReleaseInsert undoes an AcquireInsert, after a failed insert or a delete.
func (c *Controller) ReleaseInsert(bytes int64) {
	if c == nil {
		return
	}
	c.vectors.Add(-1)
	c.memUsed.Add(-bytes)
}

// AcquireOp reserves an operation slot, blocking while the concurrency cap
// is saturated.
func (c *Controller) AcquireOp(ctx context.Context) error {
	if c == nil || c.opSem == nil {
		return nil
	}
	return c.opSem.Acquire(ctx, 1)
}

// TryAcquireOp reserves an operation slot without blocking.
func (c *Controller) TryAcquireOp() bool {
	if c == nil || c.opSem == nil {
		return true
	}
	return c.opSem.TryAcquire(1)
}

// ReleaseOp returns an operation slot.
func (c *Controller) ReleaseOp() {
	if c == nil || c.opSem == nil {
		return
	}
	c.opSem.Release(1)
}

// AcquireIO waits until the throughput cap admits the given byte count.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		chunk := bytes
		if chunk > burst {
			chunk = burst
		}
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		bytes -= chunk
	}
	return nil
}

// Stats returns current usage and the configured limits.
func (c *Controller) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		MemoryBytes: c.memUsed.Load(),
		Vectors:     c.vectors.Load(),
		Limits:      c.opts,
	}
}
