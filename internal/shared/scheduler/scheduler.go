package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one periodic maintenance job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler runs maintenance tasks on fixed intervals, independent of request traffic.
type Scheduler struct {
	logger *logrus.Entry
	tasks  []Task
	wg     sync.WaitGroup
}

func New(logger *logrus.Logger) *Scheduler {
	return &Scheduler{logger: logger.WithField("component", "scheduler")}
}

// Every registers a task. Must be called before Start.
func (s *Scheduler) Every(name string, interval time.Duration, run func(ctx context.Context)) {
	s.tasks = append(s.tasks, Task{Name: name, Interval: interval, Run: run})
}

// Start launches one ticker loop per task. Loops stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
}

// Wait blocks until every loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	log := s.logger.WithFields(logrus.Fields{"task": task.Name, "interval": task.Interval.String()})
	log.Info("Starting maintenance task")

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, task, log)
		case <-ctx.Done():
			log.Info("Stopping maintenance task")
			return
		}
	}
}

// runOnce isolates a panicking task so the loop keeps going.
func (s *Scheduler) runOnce(ctx context.Context, task Task, log *logrus.Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(logrus.Fields{
				"panic": rec,
				"stack": string(debug.Stack()),
			}).Error("Maintenance task panicked")
		}
	}()
	task.Run(ctx)
}
