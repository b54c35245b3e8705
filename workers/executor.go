// Package workers contains the task executor and the per-type task
// handlers. Any worker may advance any ingest: the store is the queue,
// workers are stateless beyond the task they are currently running.
package workers

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/ingestcontext"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/network"
)

// WorkerForcedShutdown marks a task failed because the worker passed
// its shutdown grace period.
type WorkerForcedShutdown struct {
	Worker string
}

func (e *WorkerForcedShutdown) Error() string {
	return fmt.Sprintf("worker %s was shut down before the task finished", e.Worker)
}

// Pool runs a fixed number of polling workers against the store.
type Pool struct {
	context *ingestcontext.Context
	sleep   time.Duration

	// shutdown closes on the first signal: workers stop polling and
	// the current task gets the grace period. force closes on the
	// second signal or grace expiry: running tasks are failed.
	shutdown     chan struct{}
	force        chan struct{}
	shutdownOnce sync.Once
	forceOnce    sync.Once

	wg sync.WaitGroup
}

func NewPool(context *ingestcontext.Context) *Pool {
	sleep := context.Config.SleepTime
	if sleep <= 0 {
		sleep = constants.DefaultSleepSeconds
	}
	return &Pool{
		context:  context,
		sleep:    time.Duration(sleep) * time.Second,
		shutdown: make(chan struct{}),
		force:    make(chan struct{}),
	}
}

// Run starts the workers and blocks until they have drained after a
// shutdown signal.
func (pool *Pool) Run() {
	workers := pool.context.Config.Workers
	if workers <= 0 {
		workers = constants.DefaultWorkerCount
	}
	go pool.handleSignals()
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	for n := 0; n < workers; n++ {
		name := fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), n)
		pool.wg.Add(1)
		go pool.worker(name)
	}
	pool.context.MessageLog.Info("Started %d ingest workers", workers)
	pool.wg.Wait()
	pool.context.MessageLog.Info("All workers stopped")
}

// Shutdown triggers the same soft-stop a SIGINT would.
func (pool *Pool) Shutdown() {
	pool.shutdownOnce.Do(func() { close(pool.shutdown) })
}

func (pool *Pool) forceShutdown() {
	pool.forceOnce.Do(func() { close(pool.force) })
}

func (pool *Pool) handleSignals() {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	pool.context.MessageLog.Warning(
		"Shutdown requested, finishing current tasks (%ds grace)",
		constants.ShutdownGraceSeconds)
	pool.Shutdown()
	select {
	case <-signals:
		pool.context.MessageLog.Warning("Second signal, forcing shutdown")
	case <-time.After(constants.ShutdownGraceSeconds * time.Second):
		pool.context.MessageLog.Warning("Grace period expired, forcing shutdown")
	}
	pool.forceShutdown()
}

func (pool *Pool) worker(name string) {
	defer pool.wg.Done()
	log := pool.context.MessageLog
	for {
		select {
		case <-pool.shutdown:
			return
		default:
		}
		task, err := pool.context.Store.NextTask(name)
		if err != nil {
			log.Error("Worker %s cannot fetch next task: %v", name, err)
			pool.idle()
			continue
		}
		if task == nil {
			pool.idle()
			continue
		}
		log.Info("Worker %s picked up %s task %s (ingest %s)",
			name, task.Type, task.ID, task.IngestID)
		pool.dispatch(name, task)
	}
}

func (pool *Pool) idle() {
	select {
	case <-pool.shutdown:
	case <-time.After(pool.sleep):
	}
}

// dispatch runs the handler for one claimed task and settles its
// outcome: complete plus stage check, retry, or fail plus ingest
// failure depending on the task type and error kind.
func (pool *Pool) dispatch(worker string, task *models.Task) {
	log := pool.context.MessageLog
	run, err := newTaskRun(pool, worker, task)
	if err != nil {
		log.Error("Worker %s cannot set up %s task %s: %v", worker, task.Type, task.ID, err)
		pool.settleFailure(run, task, err)
		return
	}

	done := make(chan struct{})
	var followUp []*models.Task
	var runErr error
	go func() {
		defer close(done)
		followUp, runErr = run.execute()
	}()
	select {
	case <-done:
	case <-pool.force:
		runErr = &WorkerForcedShutdown{Worker: worker}
	}

	if runErr != nil {
		log.Error("Worker %s: %s task %s failed: %v", worker, task.Type, task.ID, runErr)
		pool.settleFailure(run, task, runErr)
		return
	}
	if err = pool.context.Store.CompleteTask(task); err != nil {
		log.Error("Worker %s cannot complete task %s: %v", worker, task.ID, err)
		return
	}
	log.Info("Worker %s finished %s task %s", worker, task.Type, task.ID)
	if err = pool.advanceStage(run, followUp); err != nil {
		log.Error("Worker %s: stage check after task %s failed: %v", worker, task.ID, err)
	}
}

// taskRetryable reports which task types return to pending on
// transient errors instead of failing the ingest.
func taskRetryable(taskType string) bool {
	return taskType == constants.TaskUpload
}

func (pool *Pool) settleFailure(run *TaskRun, task *models.Task, runErr error) {
	store := pool.context.Store
	log := pool.context.MessageLog

	var stop *models.StopIngest
	fatal := errors.As(runErr, &stop)

	if !fatal && taskRetryable(task.Type) && network.IsRetryable(runErr) {
		maxRetries := constants.DefaultMaxRetries
		if run != nil && run.ingest != nil {
			maxRetries = run.ingest.Config.MaxRetriesOrDefault()
		}
		if task.Retries < maxRetries {
			if err := store.RetryTask(task); err != nil {
				log.Error("Cannot return task %s to pending: %v", task.ID, err)
			}
			return
		}
	}

	kind := models.ErrStopIngestKind
	if fatal {
		kind = stop.Kind
	}
	taskError := models.NewError(task.IngestID, kind, runErr.Error(), "").WithTask(task.ID)
	if err := store.FailTask(task, taskError); err != nil {
		log.Error("Cannot fail task %s: %v", task.ID, err)
		return
	}

	if taskRetryable(task.Type) && !fatal {
		// A terminally failed upload does not sink the whole ingest;
		// the audit log records it and the stage still completes.
		if err := store.IncrementUploadStat(task.IngestID, false, 0); err != nil {
			log.Error("Cannot record failed upload for ingest %s: %v", task.IngestID, err)
		}
		if run != nil {
			if err := pool.advanceStage(run, nil); err != nil {
				log.Error("Stage check after failed upload %s: %v", task.ID, err)
			}
		}
		return
	}

	if err := store.FailIngest(task.IngestID); err != nil {
		log.Error("Cannot fail ingest %s: %v", task.IngestID, err)
	}
}
