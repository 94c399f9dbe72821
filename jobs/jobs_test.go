package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Tutortoise/layout-analysis-service/models"
)

var _ models.Reporter = (*Job)(nil)

func wait(t *testing.T, job *Job) {
	t.Helper()

	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
}

func TestJobSucceeds(t *testing.T) {
	m := NewManager(context.Background(), nil)
	release := make(chan struct{})

	job := m.Start("import", func(ctx context.Context, job *Job) (any, error) {
		<-release
		job.Info("working")
		job.Progress(1, 2, "half")
		job.Progress(5, 2, "overflow")
		job.Warning("careful")
		return "done", nil
	})

	events, cancel := job.Subscribe()
	defer cancel()

	close(release)

	var received []Event
	for e := range events {
		received = append(received, e)
	}

	require.Len(t, received, 5)
	require.Equal(t, EventInfo, received[0].Type)
	require.Equal(t, 50.0, received[1].Percent)
	require.Equal(t, 100.0, received[2].Percent)
	require.Equal(t, EventWarning, received[3].Type)
	require.Equal(t, EventResult, received[4].Type)
	require.Equal(t, "done", received[4].Result)

	wait(t, job)

	snapshot := job.Snapshot()
	require.Equal(t, StateSucceeded, snapshot.State)
	require.Equal(t, "done", snapshot.Result)
	require.Equal(t, 100.0, snapshot.Percent)
	require.False(t, snapshot.Finished.IsZero())

	got, err := m.Get(job.ID())
	require.NoError(t, err)
	require.Same(t, job, got)
}

func TestJobFails(t *testing.T) {
	m := NewManager(context.Background(), nil)

	job := m.Start("predict", func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("no checkpoint")
	})
	wait(t, job)

	snapshot := job.Snapshot()
	require.Equal(t, StateFailed, snapshot.State)
	require.Equal(t, "no checkpoint", snapshot.Error)

	// late subscribers replay the history and see a closed channel
	events, cancel := job.Subscribe()
	defer cancel()

	var last Event
	for e := range events {
		last = e
	}
	require.Equal(t, EventError, last.Type)
}

func TestJobPanics(t *testing.T) {
	m := NewManager(context.Background(), nil)

	job := m.Start("predict", func(ctx context.Context, job *Job) (any, error) {
		panic("boom")
	})
	m.Wait()

	require.Equal(t, StateFailed, job.Snapshot().State)
	require.Contains(t, job.Snapshot().Error, "boom")
}

func TestUnknownJob(t *testing.T) {
	m := NewManager(context.Background(), nil)

	_, err := m.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelSubscription(t *testing.T) {
	m := NewManager(context.Background(), nil)
	release := make(chan struct{})

	job := m.Start("import", func(ctx context.Context, job *Job) (any, error) {
		<-release
		return nil, nil
	})

	events, cancel := job.Subscribe()
	cancel()
	cancel()

	_, ok := <-events
	require.False(t, ok)

	close(release)
	wait(t, job)
}

func TestMetrics(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	metrics, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m := NewManager(context.Background(), metrics)
	job := m.Start("import", func(ctx context.Context, job *Job) (any, error) {
		return 1, nil
	})
	wait(t, job)
	m.Wait()
}
