package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Tutortoise/layout-analysis-service/detections"
)

type fakeOpener struct {
	calls atomic.Int32
	fail  atomic.Bool

	mu        sync.Mutex
	seenSizes map[int]bool
}

func (f *fakeOpener) open(_ string, size int) (*detections.ModelSession, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("cannot load model")
	}

	f.mu.Lock()
	if f.seenSizes == nil {
		f.seenSizes = make(map[int]bool)
	}
	f.seenSizes[size] = true
	f.mu.Unlock()

	return &detections.ModelSession{}, nil
}

// sizes returns the distinct input sizes sessions were opened with.
func (f *fakeOpener) sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sizes []int
	for size := range f.seenSizes {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	return sizes
}

func (f *fakeOpener) factory() sessionFactory {
	return func() (*detections.ModelSession, error) { return f.open("", 0) }
}

func TestPoolAcquireRelease(t *testing.T) {
	opener := &fakeOpener{}

	pool, err := NewModelSessionPool("model.onnx", 2, opener.factory())
	require.NoError(t, err)
	defer pool.Destroy()

	require.EqualValues(t, 2, opener.calls.Load())

	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stats := pool.GetMetrics()
	require.Equal(t, 2, stats.InUse)
	require.Equal(t, 0, stats.Available)
	require.EqualValues(t, 2, stats.TotalAcquired)

	pool.Release(a)
	pool.Release(b)

	stats = pool.GetMetrics()
	require.Equal(t, 0, stats.InUse)
	require.Equal(t, 2, stats.Available)
	require.EqualValues(t, 2, stats.TotalReleased)
	require.Equal(t, "model.onnx", stats.Checkpoint)
}

func TestPoolDefaultSize(t *testing.T) {
	opener := &fakeOpener{}

	pool, err := NewModelSessionPool("model.onnx", 0, opener.factory())
	require.NoError(t, err)
	defer pool.Destroy()

	require.Equal(t, DefaultPoolSize, pool.GetMetrics().PoolSize)
}

func TestPoolOpenFailure(t *testing.T) {
	opener := &fakeOpener{}
	opener.fail.Store(true)

	_, err := NewModelSessionPool("model.onnx", 2, opener.factory())
	require.ErrorContains(t, err, "cannot load model")
}

func TestPoolDiscardAndReplenish(t *testing.T) {
	opener := &fakeOpener{}

	pool, err := NewModelSessionPool("model.onnx", 2, opener.factory())
	require.NoError(t, err)
	defer pool.Destroy()

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Discard(session, errors.New("inference failed"))

	stats := pool.GetMetrics()
	require.Equal(t, 1, stats.Available)
	require.Equal(t, []string{"inference failed"}, stats.LastErrors)

	pool.replenish()

	require.Equal(t, 2, pool.GetMetrics().Available)
	require.EqualValues(t, 3, opener.calls.Load())
}

func TestPoolReplenishDuringAcquire(t *testing.T) {
	opener := &fakeOpener{}

	pool, err := NewModelSessionPool("model.onnx", 1, opener.factory())
	require.NoError(t, err)
	defer pool.Destroy()

	// taken off the channel but not yet counted as in use
	session := <-pool.sessions

	pool.replenish()
	require.EqualValues(t, 1, opener.calls.Load())

	released := make(chan struct{})
	go func() {
		pool.Release(session)
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release blocked")
	}

	require.Equal(t, 1, pool.GetMetrics().Available)
}

func TestPoolReleaseOverflow(t *testing.T) {
	opener := &fakeOpener{}

	pool, err := NewModelSessionPool("model.onnx", 1, opener.factory())
	require.NoError(t, err)
	defer pool.Destroy()

	pool.Release(&detections.ModelSession{})

	require.Equal(t, 1, pool.GetMetrics().Available)
	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)
}

func TestPoolReplenishFailure(t *testing.T) {
	opener := &fakeOpener{}

	pool, err := NewModelSessionPool("model.onnx", 1, opener.factory())
	require.NoError(t, err)
	defer pool.Destroy()

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Discard(session, errors.New("inference failed"))

	opener.fail.Store(true)
	pool.replenish()
	require.Equal(t, 0, pool.GetMetrics().Available)

	opener.fail.Store(false)
	pool.replenish()
	require.Equal(t, 1, pool.GetMetrics().Available)
	require.EqualValues(t, 3, opener.calls.Load())
}

func TestPoolDestroy(t *testing.T) {
	opener := &fakeOpener{}

	pool, err := NewModelSessionPool("model.onnx", 1, opener.factory())
	require.NoError(t, err)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Destroy()
	pool.Destroy()

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)

	// released after close, must not panic
	pool.Release(session)
}

func TestPoolObserve(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	opener := &fakeOpener{}
	pool, err := NewModelSessionPool("model.onnx", 2, opener.factory())
	require.NoError(t, err)
	require.NoError(t, pool.observe(provider.Meter("test")))

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(session)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Gauge[int64]:
				found[m.Name] = data.DataPoints[0].Value
			case metricdata.Sum[int64]:
				found[m.Name] = data.DataPoints[0].Value
			}
		}
	}

	require.EqualValues(t, 1, found["layoutd.pool.sessions_in_use"])
	require.EqualValues(t, 1, found["layoutd.pool.acquired"])
	require.EqualValues(t, 0, found["layoutd.pool.acquire_failures"])

	pool.Destroy()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeOpener) {
	t.Helper()

	opener := &fakeOpener{}
	registry, err := NewRegistry(filepath.Join(t.TempDir(), "checkpoints"), 2, opener.open, nil)
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	return registry, opener
}

func TestRegistryCheckpoints(t *testing.T) {
	registry, _ := newTestRegistry(t)

	names, err := registry.Checkpoints()
	require.NoError(t, err)
	require.Empty(t, names)

	name, err := registry.SaveCheckpoint("best.onnx", strings.NewReader("weights"))
	require.NoError(t, err)
	require.Equal(t, "best", name)

	_, err = registry.SaveCheckpoint("last", strings.NewReader("weights"))
	require.NoError(t, err)

	names, err = registry.Checkpoints()
	require.NoError(t, err)
	require.Equal(t, []string{"best", "last"}, names)

	path, err := registry.CheckpointPath("best")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "weights", string(data))

	for _, bad := range []string{"", ".hidden", ".onnx"} {
		_, err := registry.SaveCheckpoint(bad, strings.NewReader("x"))
		require.ErrorIs(t, err, ErrBadCheckpoint, bad)
	}

	_, err = registry.CheckpointPath("")
	require.ErrorIs(t, err, ErrNoCheckpoint)

	_, err = registry.CheckpointPath("missing")
	require.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRegistryOpen(t *testing.T) {
	registry, opener := newTestRegistry(t)

	_, err := registry.SaveCheckpoint("best.onnx", strings.NewReader("weights"))
	require.NoError(t, err)

	_, err = registry.Open("ResNet", "best")
	require.ErrorIs(t, err, ErrUnknownModel)

	_, err = registry.Open("YOLOv9c", "")
	require.ErrorIs(t, err, ErrNoCheckpoint)

	first, err := registry.Open("yolov9c", "best")
	require.NoError(t, err)
	require.Equal(t, "YOLOv9c", first.Model)

	// a 640 model must not reuse the 512 sessions
	second, err := registry.Open("YOLO11n", "best")
	require.NoError(t, err)
	require.NotSame(t, first.pool, second.pool)
	require.EqualValues(t, 4, opener.calls.Load())
	require.Equal(t, []int{512, 640}, opener.sizes())

	third, err := registry.Open("YOLOv8n", "best")
	require.NoError(t, err)
	require.Same(t, second.pool, third.pool)
	require.EqualValues(t, 4, opener.calls.Load())

	stats := registry.Metrics()
	require.Len(t, stats, 2)
	require.Equal(t, 512, stats[0].InputSize)
	require.Equal(t, 640, stats[1].InputSize)

	// replacing the checkpoint drops all of its pools
	_, err = registry.SaveCheckpoint("best", strings.NewReader("retrained"))
	require.NoError(t, err)
	require.Empty(t, registry.Metrics())
}

func TestFindModel(t *testing.T) {
	for _, family := range ModelFamilies {
		found, err := findModel(strings.ToLower(family.Name))
		require.NoError(t, err)
		require.Equal(t, family, found)
	}
}
