// Package scheduler runs durable background work from the tasks table. Workers
// claim one due task at a time inside a transaction, run the registered handler
// and ack on success. A worker crash leaves the task claimed until the
// visibility window expires, after which any worker can pick it up again.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/campusnet/tg-warden/app/storage"
	"github.com/campusnet/tg-warden/app/tgsafe"
)

//go:generate moq --out mocks/queue.go --pkg mocks --with-resets --skip-ensure . Queue

// Queue is the durable task source, implemented by storage.Tasks
type Queue interface {
	Claim(ctx context.Context, visibility time.Duration) (*storage.Task, error)
	Ack(ctx context.Context, task *storage.Task) error
}

// JobFunc handles one claimed task. Returning an error leaves the task claimed,
// it will be retried after the visibility window expires.
type JobFunc func(ctx context.Context, payload json.RawMessage) error

// Scheduler is a worker pool over the task queue
type Scheduler struct {
	Queue      Queue
	Workers    int           // number of concurrent workers, default 4
	Poll       time.Duration // idle poll interval, default 1s
	Visibility time.Duration // claim visibility window, default 5m

	jobs map[string]JobFunc
}

// Register binds a handler to a task name, must be called before Do
func (s *Scheduler) Register(name string, job JobFunc) {
	if s.jobs == nil {
		s.jobs = map[string]JobFunc{}
	}
	s.jobs[name] = job
}

// Do starts the workers and blocks until the context is canceled
func (s *Scheduler) Do(ctx context.Context) error {
	workers := s.Workers
	if workers <= 0 {
		workers = 4
	}
	poll := s.Poll
	if poll <= 0 {
		poll = time.Second
	}
	visibility := s.Visibility
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}

	log.Printf("[INFO] scheduler started, workers:%d, poll:%v, visibility:%v", workers, poll, visibility)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id, poll, visibility)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) worker(ctx context.Context, id int, poll, visibility time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := s.Queue.Claim(ctx, visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[WARN] worker %d failed to claim task: %v", id, err)
			sleep(ctx, poll)
			continue
		}
		if task == nil {
			sleep(ctx, poll)
			continue
		}
		s.run(ctx, task)
	}
}

func (s *Scheduler) run(ctx context.Context, task *storage.Task) {
	job, registered := s.jobs[task.Name]
	if !registered {
		// a task nobody handles would wedge the queue, drop it
		log.Printf("[WARN] no handler for task %q (id:%d), dropped", task.Name, task.ID)
		if err := s.Queue.Ack(ctx, task); err != nil {
			log.Printf("[WARN] failed to drop task %d: %v", task.ID, err)
		}
		return
	}

	if err := job(ctx, task.Payload); err != nil {
		if delay, flood := tgsafe.RetryAfter(err); flood {
			log.Printf("[INFO] task %q (id:%d) flood-limited, waiting %v", task.Name, task.ID, delay)
			sleep(ctx, delay)
		}
		log.Printf("[WARN] task %q (id:%d) failed, will retry: %v", task.Name, task.ID, err)
		return
	}

	if err := s.Queue.Ack(ctx, task); err != nil {
		log.Printf("[WARN] failed to ack task %d: %v", task.ID, err)
	}
}

// sleep waits for the duration or the context, whichever ends first
func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
