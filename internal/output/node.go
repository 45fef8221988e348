package output

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/dustin/go-humanize"

	"github.com/openvlbi/correlator/internal/correlator"
)

// Archiver receives every written timeslice; the SQLite visibility archive
// implements it.
type Archiver interface {
	StoreTimeslice(ts *correlator.TimesliceData) error
}

// WithArchiver attaches an optional secondary sink.
func WithArchiver(a Archiver) func(*Node) {
	return func(n *Node) {
		n.archiver = a
	}
}

// WithReorderCapacity overrides the reorder buffer capacity.
func WithReorderCapacity(capacity int) func(*Node) {
	return func(n *Node) {
		n.capacity = capacity
	}
}

// Node collects visibility timeslices from all correlator workers,
// re-orders them into canonical order and writes the framed output file.
// It owns the file handle exclusively.
type Node struct {
	writer   *Writer
	logger   *slog.Logger
	archiver Archiver
	capacity int

	written int
}

// NewNode builds the output node over an opened writer.
func NewNode(writer *Writer, logger *slog.Logger, options ...func(*Node)) *Node {
	n := Node{
		writer:   writer,
		logger:   logger,
		capacity: 64,
	}
	for _, option := range options {
		option(&n)
	}
	return &n
}

// Run drains the worker queues until all are exhausted, writing slices in
// order. channelsPerIntegration tells the reorder buffer when an
// integration is complete.
func (n *Node) Run(ctx context.Context, inputs []*correlator.Queue[*correlator.TimesliceData], channelsPerIntegration int) error {
	rb := NewReorderBuffer(channelsPerIntegration, n.capacity)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		progress := false
		drained := 0
		for _, q := range inputs {
			if ts, ok := q.TryPop(); ok {
				rb.Insert(ts)
				progress = true
			} else if q.Drained() {
				drained++
			}
		}

		for ts := rb.Ready(); ts != nil; ts = rb.Ready() {
			if err := n.write(ts); err != nil {
				return err
			}
			progress = true
		}

		if drained == len(inputs) {
			break
		}
		if !progress {
			runtime.Gosched()
		}
	}

	for ts := rb.Drain(); ts != nil; ts = rb.Drain() {
		if err := n.write(ts); err != nil {
			return err
		}
	}

	if err := n.writer.Close(); err != nil {
		return fmt.Errorf("closing output: %w", err)
	}

	n.logger.Info("output complete",
		slog.Int("timeslices", n.written),
		slog.String("bytes", humanize.IBytes(uint64(n.writer.BytesWritten()))))
	return nil
}

func (n *Node) write(ts *correlator.TimesliceData) error {
	if err := n.writer.WriteTimeslice(ts); err != nil {
		return err
	}
	if n.archiver != nil {
		if err := n.archiver.StoreTimeslice(ts); err != nil {
			// Archive failures do not abort the job; the primary output is
			// the file.
			n.logger.Error(fmt.Sprintf("archiving timeslice: %s", err))
		}
	}
	n.written++
	return nil
}
