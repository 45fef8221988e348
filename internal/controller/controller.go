package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/openvlbi/correlator/internal/correlator"
	"github.com/openvlbi/correlator/internal/output"
	"github.com/openvlbi/correlator/internal/storage"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

// ErrOutputFailed wraps failures to create or write the visibility file.
var ErrOutputFailed = errors.New("output failed")

// Controller validates the job, dispatches slice tasks round-robin across
// the workers and drives the output node until everything is written.
type Controller struct {
	job    *Job
	logger *slog.Logger
}

// New builds a controller for the given job.
func New(job *Job, logger *slog.Logger) *Controller {
	return &Controller{job: job, logger: logger}
}

// Run executes the whole job. It returns only after the output file is
// complete or the first fatal error.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.job.Validate(); err != nil {
		return err
	}

	tasks := c.job.Plan()
	groups := len(c.job.groups())
	workers := c.job.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) && len(tasks) > 0 {
		workers = len(tasks)
	}

	c.logger.Info("job plan",
		slog.Int("integrations", c.job.Integrations()),
		slog.Int("channels", groups),
		slog.Int("slices", len(tasks)),
		slog.Int("workers", workers))

	writer, err := c.openOutput()
	if err != nil {
		return err
	}

	subPerSlice := 1
	if c.job.SubIntegrTime > 0 {
		subPerSlice = int(c.job.IntegrTime.Div(c.job.SubIntegrTime))
	}
	recordTime := vlbitime.Duration(c.job.IntegrTime.Usec() / int64(subPerSlice))
	if err := writer.WriteGlobalHeader(c.job.Experiment, c.job.Start, recordTime, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrOutputFailed, err)
	}

	node := output.NewNode(writer, c.logger)
	if c.job.ArchiveFile != "" {
		store, err := storage.New(c.job.ArchiveFile)
		if err != nil {
			return fmt.Errorf("creating archive: %w", err)
		}
		defer store.Close()
		if _, err := store.CreateJob(c.job.Experiment, c.job); err != nil {
			return fmt.Errorf("creating archive job: %w", err)
		}
		node = output.NewNode(writer, c.logger, output.WithArchiver(store))
	}

	// Round-robin dispatch: worker i gets tasks i, i+workers, ...
	taskChans := make([]chan SliceTask, workers)
	pool := make([]*worker, workers)
	results := make([]*correlator.Queue[*correlator.TimesliceData], workers)
	for i := range pool {
		taskChans[i] = make(chan SliceTask, len(tasks)/workers+1)
		pool[i] = newWorker(i, c.job, c.logger, groups*subPerSlice*2+pipelineSlack)
		results[i] = pool[i].results
	}
	for i, task := range tasks {
		taskChans[i%workers] <- task
	}
	for i := range taskChans {
		close(taskChans[i])
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workerErr error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, w := range pool {
		wg.Add(1)
		go func(i int, w *worker) {
			defer wg.Done()
			if err := w.run(ctx, taskChans[i]); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				workerErr = errors.Join(workerErr, err)
				mu.Unlock()
				cancel()
			}
		}(i, w)
	}

	outErr := node.Run(ctx, results, groups)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if workerErr != nil {
		return workerErr
	}
	if outErr != nil && !errors.Is(outErr, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrOutputFailed, outErr)
	}
	return outErr
}

func (c *Controller) openOutput() (*output.Writer, error) {
	path := strings.TrimPrefix(c.job.OutputFile, "file://")
	if u, err := url.Parse(c.job.OutputFile); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", ErrOutputFailed, path, err)
	}
	return output.NewWriter(f, c.job.NumberChannels), nil
}
