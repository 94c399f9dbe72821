// Package predict runs a detector over the test partition of a package and
// stores the predictions next to its labels.
package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/layout-analysis-service/dataset"
	"github.com/Tutortoise/layout-analysis-service/detections"
	"github.com/Tutortoise/layout-analysis-service/geometry"
	"github.com/Tutortoise/layout-analysis-service/models"
)

var ErrNotDirectory = errors.New("not a directory")

type Result struct {
	Package     string        `json:"package"`
	Images      int           `json:"images"`
	Detections  int           `json:"detections"`
	Predictions string        `json:"predictions"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Evaluate predicts every test image of the package in dir and writes
// predictions/<image>.txt in YOLO format with the confidence as last field.
func Evaluate(ctx context.Context, dir string, detector detections.Detector, rep models.Reporter) (*Result, error) {
	if rep == nil {
		rep = models.NopReporter{}
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	images, err := dataset.PartitionImages(dir, dataset.PartitionTest)
	if err != nil {
		return nil, err
	}

	out := filepath.Join(dir, dataset.PredictionsFolder)
	if err := os.RemoveAll(out); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{Package: filepath.Base(dir), Predictions: out}

	rep.Info(fmt.Sprintf("Predicting %d images from %s", len(images), filepath.Base(dir)))

	for i, path := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := imaging.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}

		found, err := detector.Detect(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("failed to predict %s: %w", path, err)
		}

		objects, err := ToObjects(found, geometry.Dimensions{Width: img.Bounds().Dx(), Height: img.Bounds().Dy()})
		if err != nil {
			return nil, err
		}

		if err := dataset.WriteLabels(dataset.PredictionPath(dir, path), objects); err != nil {
			return nil, err
		}

		slog.Debug("predicted image", "image", path, "detections", len(objects))

		result.Images++
		result.Detections += len(objects)
		rep.Progress(i+1, len(images), "Predicting")
	}

	result.Elapsed = time.Since(start)
	rep.Info(fmt.Sprintf("Predicted %d objects in %d images", result.Detections, result.Images))

	return result, nil
}

// ToObjects converts pixel detections into YOLO label objects.
func ToObjects(found []models.Detection, dims geometry.Dimensions) ([]dataset.Object, error) {
	objects := make([]dataset.Object, 0, len(found))

	for _, d := range found {
		box := geometry.FromMuRET(float64(d.BBox[0]), float64(d.BBox[1]), float64(d.BBox[2]), float64(d.BBox[3]))

		yolo, err := box.ToYOLO(&dims)
		if err != nil {
			return nil, err
		}

		confidence := float64(d.Confidence)
		objects = append(objects, dataset.Object{Class: d.Class, Box: yolo, Confidence: &confidence})
	}

	return objects, nil
}
