package detections

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/Tutortoise/layout-analysis-service/geometry"
	"github.com/Tutortoise/layout-analysis-service/models"
)

// OutputLayout describes a YOLO detection head output of shape
// (1, 4+Classes, Anchors) for a Size x Size input.
type OutputLayout struct {
	Size    int
	Classes int
	Anchors int
}

func (l OutputLayout) Len() int {
	return (4 + l.Classes) * l.Anchors
}

// AnchorCount is the number of predictions of a stride 8/16/32 head.
func AnchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := size / stride
		n += side * side
	}
	return n
}

// Decode extracts the candidates whose best class score reaches threshold
// and maps their boxes back to an origWidth x origHeight image.
func Decode(predictions []float32, layout OutputLayout, threshold float32, origWidth, origHeight int) ([]models.Detection, error) {
	if len(predictions) != layout.Len() {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), layout.Len())
	}

	n := layout.Anchors
	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []models.Detection, numWorkers)

	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			localDetections := make([]models.Detection, 0, 32)

			for start := range jobs {
				end := min(start+chunkSize, n)

				for i := start; i < end; i++ {
					class, score := -1, threshold
					for c := 0; c < layout.Classes; c++ {
						if s := predictions[(4+c)*n+i]; s >= score {
							class, score = c, s
						}
					}

					if class < 0 {
						continue
					}

					localDetections = append(localDetections, models.Detection{
						BBox: calculateBBox(
							predictions[i],
							predictions[n+i],
							predictions[2*n+i],
							predictions[3*n+i],
							layout.Size,
							origWidth,
							origHeight,
						),
						Class:      class,
						Confidence: score,
					})
				}
			}

			if len(localDetections) > 0 {
				results <- localDetections
			}
		}()
	}

	go func() {
		for i := 0; i < n; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var detections []models.Detection
	for chunk := range results {
		detections = append(detections, chunk...)
	}

	sortDetectionsByConfidence(detections)

	return detections, nil
}

// calculateBBox converts a center box in input pixels into a clipped corner
// box in original pixels.
func calculateBBox(cx, cy, w, h float32, size, origWidth, origHeight int) [4]float32 {
	scaleX := float32(origWidth) / float32(size)
	scaleY := float32(origHeight) / float32(size)

	x1 := (cx - w/2) * scaleX
	y1 := (cy - h/2) * scaleY
	x2 := (cx + w/2) * scaleX
	y2 := (cy + h/2) * scaleY

	return [4]float32{
		clamp(x1, 0, float32(origWidth)),
		clamp(y1, 0, float32(origHeight)),
		clamp(x2, 0, float32(origWidth)),
		clamp(y2, 0, float32(origHeight)),
	}
}

func clamp(v, lo, hi float32) float32 {
	return max(lo, min(hi, v))
}

func sortDetectionsByConfidence(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}

// Suppress runs non-maximum suppression per class: a box is dropped when it
// overlaps a kept box of the same class with IoU above threshold.
func Suppress(detections []models.Detection, threshold float64) []models.Detection {
	if len(detections) == 0 {
		return detections
	}

	sorted := make([]models.Detection, len(detections))
	copy(sorted, detections)
	sortDetectionsByConfidence(sorted)

	kept := make([]models.Detection, 0, len(sorted))

	for _, candidate := range sorted {
		box := pascal(candidate)
		suppressed := false

		for _, k := range kept {
			if k.Class == candidate.Class && geometry.IoU(pascal(k), box) > threshold {
				suppressed = true
				break
			}
		}

		if !suppressed {
			kept = append(kept, candidate)
		}
	}

	return kept
}

func pascal(d models.Detection) geometry.BoundingBox {
	return geometry.FromMuRET(float64(d.BBox[0]), float64(d.BBox[1]), float64(d.BBox[2]), float64(d.BBox[3]))
}
