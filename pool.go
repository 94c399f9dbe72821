package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Tutortoise/layout-analysis-service/detections"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

type sessionFactory func() (*detections.ModelSession, error)

type ModelSessionPool struct {
	sessions   chan *detections.ModelSession
	size       int
	modelPath  string
	inputSize  int
	open       sessionFactory
	mu         sync.Mutex
	live       int // sessions created and not yet destroyed, idle or in use
	closed     bool
	stop       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error

	registration metric.Registration
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

type PoolStats struct {
	Checkpoint      string   `json:"checkpoint"`
	InputSize       int      `json:"input_size,omitempty"`
	PoolSize        int      `json:"pool_size"`
	Available       int      `json:"available"`
	InUse           int      `json:"sessions_in_use"`
	TotalAcquired   int64    `json:"total_acquired"`
	TotalReleased   int64    `json:"total_released"`
	AcquireFailures int64    `json:"acquire_failures"`
	WaitSeconds     float64  `json:"wait_seconds"`
	LastErrors      []string `json:"last_errors,omitempty"`
}

func NewModelSessionPool(modelPath string, size int, open sessionFactory) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions:  make(chan *detections.ModelSession, size),
		size:      size,
		modelPath: modelPath,
		open:      open,
		stop:      make(chan struct{}),
		metrics:   &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := open()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *ModelSessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (*detections.ModelSession, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session *detections.ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		session.Destroy()
		return
	}

	select {
	case p.sessions <- session:
	default:
		p.live--
		session.Destroy()
	}
}

// Discard drops a session that failed and lets the health check replace it.
func (p *ModelSessionPool) Discard(session *detections.ModelSession, cause error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()

	p.recordError(cause)
	session.Destroy()
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}

	registration := p.registration
	p.mu.Unlock()

	// outside the lock, a metric collection may be waiting on it
	if registration != nil {
		registration.Unregister()
	}
}

func (p *ModelSessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates the sessions discarded since the last check.
func (p *ModelSessionPool) replenish() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	missing := p.size - p.live
	p.live += missing
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.open()
		if err != nil {
			slog.Warn("failed to recreate model session", "checkpoint", p.modelPath, "error", err)
			p.recordError(err)
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		select {
		case p.sessions <- session:
		default:
			p.live--
			session.Destroy()
		}
		p.mu.Unlock()
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) GetMetrics() PoolStats {
	p.metrics.mu.RLock()
	stats := PoolStats{
		Checkpoint:      p.modelPath,
		InputSize:       p.inputSize,
		PoolSize:        p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		WaitSeconds:     p.metrics.waitTime.Seconds(),
	}
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	stats.Available = len(p.sessions)
	for _, err := range p.lastErrors {
		stats.LastErrors = append(stats.LastErrors, err.Error())
	}
	p.mu.Unlock()

	return stats
}

// observe exports the pool counters as otel instruments.
func (p *ModelSessionPool) observe(meter metric.Meter) error {
	inUse, err := meter.Int64ObservableGauge("layoutd.pool.sessions_in_use")
	if err != nil {
		return err
	}

	acquired, err := meter.Int64ObservableCounter("layoutd.pool.acquired")
	if err != nil {
		return err
	}

	failures, err := meter.Int64ObservableCounter("layoutd.pool.acquire_failures")
	if err != nil {
		return err
	}

	attrs := metric.WithAttributes(
		attribute.String("checkpoint", p.modelPath),
		attribute.Int("input_size", p.inputSize),
	)

	registration, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := p.GetMetrics()
		o.ObserveInt64(inUse, int64(stats.InUse), attrs)
		o.ObserveInt64(acquired, stats.TotalAcquired, attrs)
		o.ObserveInt64(failures, stats.AcquireFailures, attrs)
		return nil
	}, inUse, acquired, failures)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.registration = registration
	p.mu.Unlock()

	return nil
}
