package util

import (
	"sync"

	"github.com/mohitkumar/streamflow/logger"
	"go.uber.org/zap"
)

type Task any

// Worker runs handler for every task sent to it, on a fixed number of
// goroutines sharing one buffered channel.
type Worker struct {
	name        string
	concurrency int
	stop        chan struct{}
	stopOnce    sync.Once
	wg          *sync.WaitGroup
	handler     func(Task) error
	taskChan    chan Task
}

func NewWorker(name string, wg *sync.WaitGroup, handler func(Task) error, concurrency int, capacity int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		name:        name,
		concurrency: concurrency,
		taskChan:    make(chan Task, capacity),
		stop:        make(chan struct{}),
		wg:          wg,
		handler:     handler,
	}
}

func (w *Worker) Start() {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case task := <-w.taskChan:
					if err := w.handler(task); err != nil {
						logger.Error("error in executing task in worker", zap.String("worker", w.name), zap.Any("task", task), zap.Error(err))
					}
				case <-w.stop:
					return
				}
			}
		}()
	}
	logger.Info("worker started", zap.String("worker", w.name), zap.Int("concurrency", w.concurrency))
}

// Submit blocks until the task is accepted or the worker stops. It reports
// whether the task was accepted.
func (w *Worker) Submit(task Task) bool {
	select {
	case <-w.stop:
		return false
	default:
	}
	select {
	case w.taskChan <- task:
		return true
	case <-w.stop:
		return false
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		logger.Info("stopping worker", zap.String("worker", w.name))
		close(w.stop)
	})
}

// Pending removes and returns the tasks still buffered. Call it after Stop to
// hand back work the goroutines did not pick up.
func (w *Worker) Pending() []Task {
	var tasks []Task
	for {
		select {
		case task := <-w.taskChan:
			tasks = append(tasks, task)
		default:
			return tasks
		}
	}
}
