package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/Tutortoise/layout-analysis-service/detections"
	"github.com/Tutortoise/layout-analysis-service/models"
)

const checkpointExt = ".onnx"

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrNoCheckpoint  = errors.New("please select a checkpoint")
	ErrBadCheckpoint = errors.New("invalid checkpoint name")
)

type ModelFamily struct {
	Name      string `json:"name"`
	InputSize int    `json:"input_size"`
}

var ModelFamilies = []ModelFamily{
	{Name: "YOLOv9c", InputSize: 512},
	{Name: "YOLOv8n", InputSize: 640},
	{Name: "YOLO11n", InputSize: 640},
}

func findModel(name string) (ModelFamily, error) {
	for _, m := range ModelFamilies {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return ModelFamily{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

type sessionOpener func(modelPath string, defaultSize int) (*detections.ModelSession, error)

// poolKey identifies a pool: sessions of one checkpoint opened with
// different input sizes cannot be shared.
type poolKey struct {
	path string
	size int
}

// Registry stores uploaded checkpoints and keeps one session pool per
// checkpoint and input size in use.
type Registry struct {
	dir      string
	poolSize int
	open     sessionOpener
	meter    metric.Meter

	mu    sync.Mutex
	pools map[poolKey]*ModelSessionPool
}

func NewRegistry(dir string, poolSize int, open sessionOpener, meter metric.Meter) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &Registry{
		dir:      dir,
		poolSize: poolSize,
		open:     open,
		meter:    meter,
		pools:    make(map[poolKey]*ModelSessionPool),
	}, nil
}

func (r *Registry) Models() []ModelFamily {
	return ModelFamilies
}

// Checkpoints lists the stored checkpoint names without extension.
func (r *Registry) Checkpoints() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.EqualFold(filepath.Ext(entry.Name()), checkpointExt) {
			names = append(names, strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
		}
	}

	sort.Strings(names)
	return names, nil
}

func checkpointName(name string) (string, error) {
	name = strings.TrimSuffix(filepath.Base(strings.TrimSpace(name)), checkpointExt)
	if name == "" || name == "." || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrBadCheckpoint, name)
	}
	return name, nil
}

// SaveCheckpoint stores an uploaded checkpoint and returns its name.
func (r *Registry) SaveCheckpoint(name string, src io.Reader) (string, error) {
	name, err := checkpointName(name)
	if err != nil {
		return "", err
	}

	tmp := filepath.Join(r.dir, "."+uuid.NewString())
	if err := extractFile(src, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}

	path := filepath.Join(r.dir, name+checkpointExt)

	// a replaced checkpoint must not keep serving the old sessions
	r.mu.Lock()
	for key, pool := range r.pools {
		if key.path == path {
			pool.Destroy()
			delete(r.pools, key)
		}
	}
	r.mu.Unlock()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}

	slog.Info("checkpoint stored", "name", name, "path", path)
	return name, nil
}

func (r *Registry) CheckpointPath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrNoCheckpoint
	}

	name, err := checkpointName(name)
	if err != nil {
		return "", err
	}

	path := filepath.Join(r.dir, name+checkpointExt)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s not found", ErrNoCheckpoint, name)
	}

	return path, nil
}

// Open returns a detector backed by the pool of the given checkpoint.
func (r *Registry) Open(model, checkpoint string) (*PoolDetector, error) {
	family, err := findModel(model)
	if err != nil {
		return nil, err
	}

	path, err := r.CheckpointPath(checkpoint)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := poolKey{path: path, size: family.InputSize}

	pool, ok := r.pools[key]
	if !ok {
		pool, err = NewModelSessionPool(path, r.poolSize, func() (*detections.ModelSession, error) {
			return r.open(path, family.InputSize)
		})
		if err == nil {
			pool.inputSize = family.InputSize
		}
		if err != nil {
			return nil, err
		}

		if r.meter != nil {
			if err := pool.observe(r.meter); err != nil {
				slog.Warn("failed to register pool metrics", "error", err)
			}
		}

		r.pools[key] = pool
	}

	return &PoolDetector{Model: family.Name, pool: pool}, nil
}

func (r *Registry) Metrics() []PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]PoolStats, 0, len(r.pools))
	for _, pool := range r.pools {
		stats = append(stats, pool.GetMetrics())
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Checkpoint != stats[j].Checkpoint {
			return stats[i].Checkpoint < stats[j].Checkpoint
		}
		return stats[i].InputSize < stats[j].InputSize
	})
	return stats
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, pool := range r.pools {
		pool.Destroy()
		delete(r.pools, key)
	}
}

var _ detections.Detector = (*PoolDetector)(nil)

// PoolDetector runs detections.ProcessImage on a pooled session.
type PoolDetector struct {
	Model string
	pool  *ModelSessionPool
}

func (d *PoolDetector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}

	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	found, err := detections.ProcessImage(ctx, img, session, timings)
	if err != nil {
		var perr *detections.ProcessingError
		if errors.As(err, &perr) {
			d.pool.Discard(session, err)
		} else {
			d.pool.Release(session)
		}
		return nil, err
	}
	d.pool.Release(session)

	timings.Total = time.Since(startTotal)
	logTimings(timings)

	return found, nil
}
