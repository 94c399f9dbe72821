package models

import "time"

// Detection is a predicted box in original image pixels (x1, y1, x2, y2).
type Detection struct {
	BBox       [4]float32
	Class      int
	Confidence float32
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Suppression time.Duration
	Total       time.Duration
}

// Reporter receives progress of long running operations.
type Reporter interface {
	Progress(current, total int, message string)
	Info(message string)
	Warning(message string)
}

type NopReporter struct{}

func (NopReporter) Progress(int, int, string) {}
func (NopReporter) Info(string)               {}
func (NopReporter) Warning(string)            {}
