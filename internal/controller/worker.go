package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openvlbi/correlator/internal/correlator"
	"github.com/openvlbi/correlator/internal/input"
)

// pipelining slack: how many extra slices' worth of blocks each worker
// buffers between the input node and the delay cores.
const pipelineSlack = 2

// worker runs slice tasks sequentially and forwards finished timeslices to
// its results queue.
type worker struct {
	id      int
	job     *Job
	logger  *slog.Logger
	results *correlator.Queue[*correlator.TimesliceData]
}

func newWorker(id int, job *Job, logger *slog.Logger, resultDepth int) *worker {
	return &worker{
		id:      id,
		job:     job,
		logger:  logger.With(slog.Int("worker", id)),
		results: newResultsQueue(resultDepth),
	}
}

func newResultsQueue(depth int) *correlator.Queue[*correlator.TimesliceData] {
	return correlator.NewQueue[*correlator.TimesliceData](depth)
}

// run consumes tasks until the channel closes, then closes the results
// queue. A failed station stream degrades that slice (zero weights); any
// other error aborts the worker.
func (w *worker) run(ctx context.Context, tasks <-chan SliceTask) error {
	defer w.results.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-tasks:
			if !ok {
				return nil
			}
			if err := w.runSlice(ctx, task); err != nil {
				return fmt.Errorf("slice (scan %d, integration %d, channel %d): %w",
					task.Scan, task.Integration, task.Group.nr, err)
			}
		}
	}
}

// runSlice assembles and drives the pipeline for one slice: input node per
// station, a delay-correction core per stream, one correlation core.
func (w *worker) runSlice(ctx context.Context, task SliceTask) error {
	params := w.job.Parameters(task)
	sliceSamples := int64(params.SliceSamples())
	blockSize := params.FFTSizeDelaycor
	blocksPerSlice := int(sliceSamples) / blockSize

	queueDepth := blocksPerSlice * (1 + pipelineSlack)

	core := correlator.NewCorrelationCore(params, params.SubIntegrationsPerSlice(),
		correlator.WithCoreLogger(w.logger))
	sched := correlator.NewScheduler()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var inputErr error
	var inputErrMu sync.Mutex
	var wg sync.WaitGroup

	for s, station := range w.job.Stations {
		node, err := input.NewNode(input.NodeConfig{
			Station:      station.Name,
			Sources:      station.Sources,
			Format:       station.Format,
			SampleRate:   params.SampleRate,
			NChannels:    len(w.job.Channels),
			Bits:         params.BitsPerSample,
			FrameSamples: blockSize,
			RecordStart:  station.RecordStart,
			ExitOnEmpty:  w.job.ExitOnEmpty,
		}, input.WithNodeLogger(w.logger))
		if err != nil {
			return err
		}

		shift, err := correlator.BaseIntegerShift(station.DelayTable, task.Start, params.SampleRate)
		if err != nil {
			return err
		}

		// One queue per recorded channel; only the task's channels are
		// consumed.
		outs := make([]*correlator.Queue[*correlator.SampleBlock], len(w.job.Channels))
		for gi, chIdx := range task.Group.channels {
			stream := gi*len(w.job.Stations) + s
			q := correlator.NewQueue[*correlator.SampleBlock](queueDepth)
			outs[chIdx] = q

			dc, err := correlator.NewDelayCorrection(params, stream, station.DelayTable, q, 8)
			if err != nil {
				return err
			}
			core.ConnectTo(stream, dc, node.Statistics(chIdx))
			core.AddUVWTable(stream, station.DelayTable)
			sched.Add(dc)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := node.Stream(ctx, task.Start, shift, sliceSamples, blockSize, outs)
			if err != nil && !errors.Is(err, context.Canceled) {
				inputErrMu.Lock()
				inputErr = errors.Join(inputErr, err)
				inputErrMu.Unlock()
			}
		}()
	}
	sched.Add(core)

	runErr := sched.Run(ctx)
	cancel()
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	inputErrMu.Lock()
	defer inputErrMu.Unlock()
	if inputErr != nil && errors.Is(inputErr, input.ErrEmptyDatastream) {
		return inputErr
	}
	if inputErr != nil {
		// A failed station stream is not fatal: its baselines already
		// carry zero weight for the missing stretch.
		w.logger.Warn(fmt.Sprintf("degraded input on slice: %s", inputErr))
	}

	for {
		ts, ok := core.Output().TryPop()
		if !ok {
			break
		}
		if err := w.results.Send(ctx, ts); err != nil {
			return err
		}
	}
	return nil
}
