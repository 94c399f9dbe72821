package predict

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/layout-analysis-service/dataset"
	"github.com/Tutortoise/layout-analysis-service/models"
)

type fakeDetector struct {
	detections []models.Detection
	err        error
	calls      int
}

func (f *fakeDetector) Detect(_ context.Context, _ image.Image) ([]models.Detection, error) {
	f.calls++
	return f.detections, f.err
}

type progress struct {
	last, total int
}

func (p *progress) Progress(current, total int, _ string) { p.last, p.total = current, total }
func (p *progress) Info(string)                          {}
func (p *progress) Warning(string)                       {}

func testPackage(t *testing.T, names ...string) string {
	t.Helper()

	dir := t.TempDir()
	for _, kind := range []string{dataset.ImagesFolder, dataset.LabelsFolder} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, kind, dataset.PartitionTest), 0o755))
	}

	require.NoError(t, dataset.WriteConfig(dir, dataset.NewConfig(dir, []string{"page", "staff"})))

	for _, name := range names {
		img := image.NewGray(image.Rect(0, 0, 200, 100))
		require.NoError(t, imaging.Save(img, dataset.ImagePath(dir, dataset.PartitionTest, name)))
	}

	return dir
}

func TestEvaluate(t *testing.T) {
	dir := testPackage(t, "a", "b")

	stale := filepath.Join(dir, dataset.PredictionsFolder, "old.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, nil, 0o644))

	detector := &fakeDetector{detections: []models.Detection{
		{BBox: [4]float32{0, 0, 200, 100}, Class: 0, Confidence: 0.95},
		{BBox: [4]float32{50, 25, 150, 75}, Class: 1, Confidence: 0.5},
	}}
	rep := &progress{}

	result, err := Evaluate(context.Background(), dir, detector, rep)
	require.NoError(t, err)
	require.Equal(t, 2, result.Images)
	require.Equal(t, 4, result.Detections)
	require.Equal(t, 2, detector.calls)
	require.Equal(t, 2, rep.last)
	require.Equal(t, 2, rep.total)

	require.NoFileExists(t, stale)

	data, err := os.ReadFile(dataset.PredictionPath(dir, "a"))
	require.NoError(t, err)
	require.Equal(t, "0 0.5 0.5 1 1 0.95000\n1 0.5 0.5 0.5 0.5 0.50000", string(data))

	objects, err := dataset.ReadLabels(dataset.PredictionPath(dir, "b.png"))
	require.NoError(t, err)
	require.Len(t, objects, 2)
	require.InDelta(t, 0.5, *objects[1].Confidence, 1e-6)
}

func TestEvaluateWithoutDetections(t *testing.T) {
	dir := testPackage(t, "a")

	result, err := Evaluate(context.Background(), dir, &fakeDetector{}, nil)
	require.NoError(t, err)
	require.Zero(t, result.Detections)
	require.FileExists(t, dataset.PredictionPath(dir, "a"))
}

func TestEvaluateErrors(t *testing.T) {
	_, err := Evaluate(context.Background(), filepath.Join(t.TempDir(), "missing"), &fakeDetector{}, nil)
	require.ErrorIs(t, err, ErrNotDirectory)

	_, err = Evaluate(context.Background(), t.TempDir(), &fakeDetector{}, nil)
	require.ErrorIs(t, err, dataset.ErrNotDataset)

	boom := errors.New("boom")
	_, err = Evaluate(context.Background(), testPackage(t, "a"), &fakeDetector{err: boom}, nil)
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Evaluate(ctx, testPackage(t, "a"), &fakeDetector{}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
