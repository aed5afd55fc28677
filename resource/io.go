package resource

import (
	"context"
	"io"
)

// ThrottledWriter applies the controller's IO cap to every write.
type ThrottledWriter struct {
	ctx context.Context
	w   io.Writer
	c   *Controller
}

// NewThrottledWriter wraps w with the controller's IO throughput cap.
func NewThrottledWriter(ctx context.Context, w io.Writer, c *Controller) *ThrottledWriter {
	return &ThrottledWriter{ctx: ctx, w: w, c: c}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	if err := t.c.AcquireIO(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}

// ThrottledReader applies the controller's IO cap to every read.
type ThrottledReader struct {
	ctx context.Context
	r   io.Reader
	c   *Controller
}

// NewThrottledReader wraps r with the controller's IO throughput cap.
func NewThrottledReader(ctx context.Context, r io.Reader, c *Controller) *ThrottledReader {
	return &ThrottledReader{ctx: ctx, r: r, c: c}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	// The read size is unknown up front; budget for the buffer.
	if err := t.c.AcquireIO(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.r.Read(p)
}
