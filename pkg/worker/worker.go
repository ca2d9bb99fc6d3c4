package worker

import (
	"sync"

	"go.uber.org/atomic"
)

// TaskStop makes the worker goroutine return once it is dequeued.
type TaskStop struct{}

type Task interface{}

// Worker is a single-consumer stage: tasks are handled one at a time, each to
// completion, in the order they were scheduled.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
	pending  *atomic.Int64
}

type TaskHandler interface {
	Handle(t Task)
}

// Starter is implemented by handlers that need to run code on the worker
// goroutine before the first task.
type Starter interface {
	Start()
}

// Stopper is implemented by handlers that need to run code on the worker
// goroutine after TaskStop.
type Stopper interface {
	Stop()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			w.pending.Dec()
			if _, ok := task.(TaskStop); ok {
				if s, ok := handler.(Stopper); ok {
					s.Stop()
				}
				return
			}
			handler.Handle(task)
		}
	}()
}

// Schedule enqueues a task, blocking while the queue is full.
func (w *Worker) Schedule(t Task) {
	w.pending.Inc()
	w.sender <- t
}

// Pending returns the number of tasks scheduled but not yet dequeued.
func (w *Worker) Pending() int64 {
	return w.pending.Load()
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Stop() {
	w.Schedule(TaskStop{})
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	return NewWorkerWithCapacity(name, defaultWorkerCapacity, wg)
}

func NewWorkerWithCapacity(name string, capacity int, wg *sync.WaitGroup) *Worker {
	if capacity <= 0 {
		capacity = defaultWorkerCapacity
	}
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
		pending:  atomic.NewInt64(0),
	}
}
