package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"time"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/layout-analysis-service/models"
)

// Detector finds layout objects in a page image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]models.Detection, error)
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
	Layout  OutputLayout

	preprocessor *Preprocessor
}

func NewModelSession(session *ort.AdvancedSession, input, output *ort.Tensor[float32], layout OutputLayout) *ModelSession {
	return &ModelSession{
		Session:      session,
		Input:        input,
		Output:       output,
		Layout:       layout,
		preprocessor: NewPreprocessor(layout.Size),
	}
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// DiscoverLayout reads the input and output shapes of a checkpoint. Dynamic
// dimensions fall back to defaultSize.
func DiscoverLayout(modelPath string, defaultSize int) (OutputLayout, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return OutputLayout{}, fmt.Errorf("error reading model info: %w", err)
	}

	if len(inputs) != 1 || len(outputs) < 1 {
		return OutputLayout{}, fmt.Errorf("expected one input and at least one output, got %d and %d", len(inputs), len(outputs))
	}

	in := inputs[0].Dimensions
	out := outputs[0].Dimensions

	if len(in) != 4 || len(out) != 3 {
		return OutputLayout{}, fmt.Errorf("unsupported model shapes: input %v, output %v", in, out)
	}

	layout := OutputLayout{Size: int(in[3])}
	if layout.Size <= 0 {
		layout.Size = defaultSize
	}

	if out[1] <= 4 {
		return OutputLayout{}, fmt.Errorf("output %v has no class scores", out)
	}
	layout.Classes = int(out[1]) - 4

	layout.Anchors = int(out[2])
	if layout.Anchors <= 0 {
		layout.Anchors = AnchorCount(layout.Size)
	}

	return layout, nil
}

// OpenSession creates an ORT session for a YOLO checkpoint.
func OpenSession(modelPath string, defaultSize int) (*ModelSession, error) {
	layout, err := DiscoverLayout(modelPath, defaultSize)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	inputShape := ort.NewShape(1, 3, int64(layout.Size), int64(layout.Size))
	outputShape := ort.NewShape(1, int64(4+layout.Classes), int64(layout.Anchors))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{InputName},
		[]string{OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return NewModelSession(session, inputTensor, outputTensor, layout), nil
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func ProcessImage(ctx context.Context, img image.Image, model *ModelSession, timings *models.ProcessingTimings) ([]models.Detection, error) {
	var lastErr error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			detections, err := processImageInternal(img, model, timings)
			if err == nil {
				return detections, nil
			}
			lastErr = err

			if attempt < RetryAttempts {
				time.Sleep(time.Duration(attempt) * RetryDelayMs * time.Millisecond)
				continue
			}
		}
	}

	if lastErr != nil {
		return nil, &ProcessingError{Message: fmt.Sprintf("failed after %d attempts", RetryAttempts), Cause: lastErr}
	}
	return nil, errors.New("unknown error")
}

func processImageInternal(img image.Image, model *ModelSession, timings *models.ProcessingTimings) ([]models.Detection, error) {
	size := model.Layout.Size

	resizeStart := time.Now()
	resized := imaging.Resize(img, size, size, imaging.Linear)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	model.preprocessor.Process(resized, model.Input.GetData())
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := model.Session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	candidates, err := Decode(model.Output.GetData(), model.Layout, ConfThreshold, img.Bounds().Dx(), img.Bounds().Dy())
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	detections := Suppress(candidates, IoUThreshold)
	timings.Suppression = time.Since(nmsStart)

	return detections, nil
}
