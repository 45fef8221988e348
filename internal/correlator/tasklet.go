package correlator

import (
	"context"
	"fmt"
	"runtime"
)

// Tasklet is one stage of the single-threaded pipeline. HasWork must be
// non-blocking; DoTask performs one bounded unit of work (one FFT step, one
// output record) and must not block. Finished reports that the tasklet will
// never have work again.
type Tasklet interface {
	Name() string
	HasWork() bool
	DoTask() error
	Finished() bool
}

// Scheduler drives a set of tasklets cooperatively: each round it runs the
// first tasklet that reports work. There is no preemption; fairness comes
// from the bounded unit of work per call.
type Scheduler struct {
	tasklets []Tasklet
}

// NewScheduler returns a scheduler over the given tasklets in priority
// order.
func NewScheduler(tasklets ...Tasklet) *Scheduler {
	return &Scheduler{tasklets: tasklets}
}

// Add appends a tasklet at the lowest priority.
func (s *Scheduler) Add(t Tasklet) {
	s.tasklets = append(s.tasklets, t)
}

// Run loops until every tasklet is finished, the context is cancelled, or a
// tasklet fails. A full round with no runnable tasklet and unfinished
// tasklets means the pipeline is starved; Run then blocks on the context
// briefly by yielding, which in practice only happens while an input
// goroutine is still feeding the head queue.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ran := false
		finished := true
		for _, t := range s.tasklets {
			if t.Finished() {
				continue
			}
			finished = false
			if !t.HasWork() {
				continue
			}
			if err := t.DoTask(); err != nil {
				return fmt.Errorf("%s: %w", t.Name(), err)
			}
			ran = true
			break
		}

		if finished {
			return nil
		}
		if !ran {
			// Starved: input producers run in their own goroutines, give
			// them the processor.
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				runtime.Gosched()
			}
		}
	}
}
