// Package jobs runs long operations in the background and fans their
// progress out to subscribers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

type EventType string

const (
	EventProgress EventType = "progress"
	EventInfo     EventType = "info"
	EventWarning  EventType = "warning"
	EventResult   EventType = "result"
	EventError    EventType = "error"
)

const (
	subscriberBuffer = 64
	maxEvents        = 1000
)

var ErrNotFound = errors.New("job not found")

type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Percent float64   `json:"percent,omitempty"`
	Result  any       `json:"result,omitempty"`
	Time    time.Time `json:"time"`
}

type Snapshot struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	State    State     `json:"state"`
	Percent  float64   `json:"percent"`
	Events   []Event   `json:"events"`
	Result   any       `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	Created  time.Time `json:"created"`
	Finished time.Time `json:"finished,omitempty"`
}

// Job is a unit of background work. It implements models.Reporter.
type Job struct {
	mu          sync.Mutex
	snapshot    Snapshot
	subscribers map[chan Event]struct{}
	done        chan struct{}
}

func (j *Job) ID() string {
	return j.snapshot.ID
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := j.snapshot
	s.Events = append([]Event(nil), j.snapshot.Events...)
	return s
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) publish(e Event) {
	e.Time = time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Type == EventProgress {
		j.snapshot.Percent = e.Percent
	}

	j.snapshot.Events = append(j.snapshot.Events, e)
	if len(j.snapshot.Events) > maxEvents {
		j.snapshot.Events = j.snapshot.Events[1:]
	}

	for ch := range j.subscribers {
		select {
		case ch <- e:
		default:
			slog.Warn("dropping job event for slow subscriber", "job", j.snapshot.ID, "type", e.Type)
		}
	}
}

func (j *Job) Progress(current, total int, message string) {
	percent := 100.0
	if total > 0 {
		percent = min(100, float64(current)*100/float64(total))
	}

	j.publish(Event{Type: EventProgress, Message: message, Percent: percent})
}

func (j *Job) Info(message string) {
	j.publish(Event{Type: EventInfo, Message: message})
}

func (j *Job) Warning(message string) {
	j.publish(Event{Type: EventWarning, Message: message})
}

// Subscribe returns a channel receiving the past events followed by the
// live ones. The channel is closed when the job finishes or cancel is called.
func (j *Job) Subscribe() (<-chan Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ch := make(chan Event, subscriberBuffer+len(j.snapshot.Events))
	for _, e := range j.snapshot.Events {
		ch <- e
	}

	if j.finished() {
		close(ch)
		return ch, func() {}
	}

	j.subscribers[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()

			if _, ok := j.subscribers[ch]; ok {
				delete(j.subscribers, ch)
				close(ch)
			}
		})
	}

	return ch, cancel
}

func (j *Job) finished() bool {
	return j.snapshot.State == StateSucceeded || j.snapshot.State == StateFailed
}

func (j *Job) setState(state State) {
	j.mu.Lock()
	j.snapshot.State = state
	j.mu.Unlock()
}

func (j *Job) finish(result any, err error) {
	if err != nil {
		j.publish(Event{Type: EventError, Message: err.Error()})
	} else {
		j.publish(Event{Type: EventResult, Result: result, Percent: 100})
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.snapshot.Finished = time.Now()
	if err != nil {
		j.snapshot.State = StateFailed
		j.snapshot.Error = err.Error()
	} else {
		j.snapshot.State = StateSucceeded
		j.snapshot.Result = result
		j.snapshot.Percent = 100
	}

	for ch := range j.subscribers {
		close(ch)
	}
	j.subscribers = map[chan Event]struct{}{}

	close(j.done)
}

// Func is the work of a job. It reports progress through job.
type Func func(ctx context.Context, job *Job) (any, error)

// Manager keeps every job started since the process began.
type Manager struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	ctx     context.Context
	wg      sync.WaitGroup
	metrics *Metrics
}

func NewManager(ctx context.Context, metrics *Metrics) *Manager {
	return &Manager{
		jobs:    make(map[string]*Job),
		ctx:     ctx,
		metrics: metrics,
	}
}

// Start runs fn in a new goroutine and returns its job immediately.
func (m *Manager) Start(kind string, fn Func) *Job {
	job := &Job{
		snapshot: Snapshot{
			ID:      uuid.NewString(),
			Kind:    kind,
			State:   StatePending,
			Created: time.Now(),
		},
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[job.ID()] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		job.setState(StateRunning)
		m.metrics.recordStart(m.ctx, kind)

		slog.Info("job started", "job", job.ID(), "kind", kind)
		start := time.Now()

		result, err := m.run(job, fn)
		job.finish(result, err)

		m.metrics.recordFinish(m.ctx, kind, err, time.Since(start))

		if err != nil {
			slog.Error("job failed", "job", job.ID(), "kind", kind, "error", err)
		} else {
			slog.Info("job succeeded", "job", job.ID(), "kind", kind, "elapsed", time.Since(start))
		}
	}()

	return job
}

func (m *Manager) run(job *Job, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	return fn(m.ctx, job)
}

func (m *Manager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return job, nil
}

// Wait blocks until every started job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
