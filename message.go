package main

import (
	"errors"
	"net/http"
	"os"

	"github.com/Tutortoise/layout-analysis-service/dataset"
	"github.com/Tutortoise/layout-analysis-service/geometry"
	"github.com/Tutortoise/layout-analysis-service/iiif"
	"github.com/Tutortoise/layout-analysis-service/importer"
	"github.com/Tutortoise/layout-analysis-service/jobs"
	"github.com/Tutortoise/layout-analysis-service/muret"
	"github.com/Tutortoise/layout-analysis-service/predict"
	"github.com/Tutortoise/layout-analysis-service/render"
)

const (
	MsgImportStarted = "Import started. Images are retrieved in the background, follow the progress below."

	MsgPredictStarted = "Prediction started. Predictions are written next to the package test images."

	MsgCheckpointStored = "Checkpoint uploaded. Select it in the Predict Layout Analysis tab."

	MsgPackageBusy = "This package is being processed by another job. Please wait until it finishes."

	MsgRuntimeMissing = "ONNX Runtime is not available. Set ORT_LIB_PATH or runtime.library_path to the shared library."
)

var (
	ErrInvalidForm    = errors.New("invalid form value")
	ErrPackageBusy    = errors.New("package is busy")
	ErrRuntimeMissing = errors.New("onnx runtime not available")
)

// describeError maps an error to the code and HTTP status sent to the client.
func describeError(err error) (string, int) {
	var verr *muret.ValidationError

	switch {
	case errors.As(err, &verr):
		return "invalid_package", http.StatusBadRequest
	case errors.Is(err, importer.ErrNoFile),
		errors.Is(err, importer.ErrNoFormat),
		errors.Is(err, importer.ErrFormatMismatch),
		errors.Is(err, importer.ErrInvalidPackage),
		errors.Is(err, importer.ErrUnsupportedFile),
		errors.Is(err, importer.ErrUnsafePath),
		errors.Is(err, muret.ErrUnknownKind),
		errors.Is(err, muret.ErrEmptyPackage),
		errors.Is(err, iiif.ErrStaffWise),
		errors.Is(err, dataset.ErrInvalidSplits),
		errors.Is(err, geometry.ErrUnsupportedFormat):
		return "invalid_request", http.StatusBadRequest
	case errors.Is(err, render.ErrUnknownSource):
		return "invalid_source", http.StatusBadRequest
	case errors.Is(err, ErrUnknownModel),
		errors.Is(err, ErrNoCheckpoint),
		errors.Is(err, ErrBadCheckpoint):
		return "invalid_model", http.StatusBadRequest
	case errors.Is(err, jobs.ErrNotFound):
		return "job_not_found", http.StatusNotFound
	case errors.Is(err, dataset.ErrNotDataset),
		errors.Is(err, predict.ErrNotDirectory):
		return "package_not_found", http.StatusNotFound
	case errors.Is(err, render.ErrMissingFile),
		errors.Is(err, os.ErrNotExist):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ErrPackageBusy):
		return "package_busy", http.StatusConflict
	case errors.Is(err, ErrPoolClosed),
		errors.Is(err, ErrAcquireTimeout),
		errors.Is(err, ErrRuntimeMissing):
		return "session_error", http.StatusServiceUnavailable
	default:
		return "internal_error", http.StatusInternalServerError
	}
}
