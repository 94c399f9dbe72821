package geometry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

type Format string

const (
	FormatYOLO   Format = "yolo"   // x-center, y-center, width, height normalised to the image
	FormatCOCO   Format = "coco"   // x, y, width, height in pixels
	FormatPascal Format = "pascal" // x1, y1, x2, y2 in pixels
)

var (
	ErrUnsupportedFormat  = errors.New("unsupported bounding box format")
	ErrDimensionsRequired = errors.New("image dimensions are required")
)

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (d Dimensions) String() string {
	return fmt.Sprintf("[w=%d, h=%d]", d.Width, d.Height)
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox holds four coordinates whose meaning depends on Format.
type BoundingBox struct {
	A, B, C, D float64
	Format     Format
}

func NewBoundingBox(a, b, c, d float64, format Format) (BoundingBox, error) {
	switch format {
	case FormatYOLO, FormatCOCO, FormatPascal:
	default:
		return BoundingBox{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	return BoundingBox{A: a, B: b, C: c, D: d, Format: format}, nil
}

func FromMuRET(fromX, fromY, toX, toY float64) BoundingBox {
	return BoundingBox{A: fromX, B: fromY, C: toX, D: toY, Format: FormatPascal}
}

func FromPolygon(points []Point) (BoundingBox, error) {
	if len(points) == 0 {
		return BoundingBox{}, errors.New("empty polygon")
	}

	minX, minY := points[0].X, points[0].Y
	maxX, maxY := points[0].X, points[0].Y

	for _, p := range points[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}

	return FromMuRET(minX, minY, maxX, maxY), nil
}

func (b BoundingBox) Resize(sx, sy float64) BoundingBox {
	return BoundingBox{
		A:      b.A * sx,
		B:      b.B * sy,
		C:      b.C * sx,
		D:      b.D * sy,
		Format: b.Format,
	}
}

func (b BoundingBox) To(format Format, dims *Dimensions) (BoundingBox, error) {
	switch format {
	case FormatYOLO:
		return b.ToYOLO(dims)
	case FormatCOCO:
		return b.ToCOCO(dims)
	case FormatPascal:
		return b.ToPascal(dims)
	}

	return BoundingBox{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func (b BoundingBox) ToYOLO(dims *Dimensions) (BoundingBox, error) {
	if b.Format == FormatYOLO {
		return b, nil
	}

	if dims == nil || dims.Width <= 0 || dims.Height <= 0 {
		return BoundingBox{}, fmt.Errorf("%w: converting %s to yolo", ErrDimensionsRequired, b.Format)
	}

	var xc, yc, w, h float64

	switch b.Format {
	case FormatPascal:
		xc = (b.A + b.C) / 2
		yc = (b.B + b.D) / 2
		w = b.C - b.A
		h = b.D - b.B
	case FormatCOCO:
		xc = b.A + b.C/2
		yc = b.B + b.D/2
		w = b.C
		h = b.D
	default:
		return BoundingBox{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, b.Format)
	}

	width := float64(dims.Width)
	height := float64(dims.Height)

	return BoundingBox{
		A:      round5(xc / width),
		B:      round5(yc / height),
		C:      round5(w / width),
		D:      round5(h / height),
		Format: FormatYOLO,
	}, nil
}

func (b BoundingBox) ToCOCO(dims *Dimensions) (BoundingBox, error) {
	switch b.Format {
	case FormatCOCO:
		return b, nil
	case FormatPascal:
		return BoundingBox{A: b.A, B: b.B, C: b.C - b.A, D: b.D - b.B, Format: FormatCOCO}, nil
	case FormatYOLO:
		x, y, w, h, err := b.yoloToPixels(dims)
		if err != nil {
			return BoundingBox{}, err
		}
		return BoundingBox{A: x, B: y, C: w, D: h, Format: FormatCOCO}, nil
	}

	return BoundingBox{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, b.Format)
}

func (b BoundingBox) ToPascal(dims *Dimensions) (BoundingBox, error) {
	switch b.Format {
	case FormatPascal:
		return b, nil
	case FormatCOCO:
		return BoundingBox{A: b.A, B: b.B, C: b.A + b.C, D: b.B + b.D, Format: FormatPascal}, nil
	case FormatYOLO:
		x, y, w, h, err := b.yoloToPixels(dims)
		if err != nil {
			return BoundingBox{}, err
		}
		return BoundingBox{A: x, B: y, C: x + w, D: y + h, Format: FormatPascal}, nil
	}

	return BoundingBox{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, b.Format)
}

func (b BoundingBox) yoloToPixels(dims *Dimensions) (x, y, w, h float64, err error) {
	if dims == nil || dims.Width <= 0 || dims.Height <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: converting yolo to pixels", ErrDimensionsRequired)
	}

	w = b.C * float64(dims.Width)
	h = b.D * float64(dims.Height)
	x = b.A*float64(dims.Width) - w/2
	y = b.B*float64(dims.Height) - h/2

	return x, y, w, h, nil
}

func (b BoundingBox) Width() float64 {
	switch b.Format {
	case FormatPascal:
		return b.C - b.A
	default:
		return b.C
	}
}

func (b BoundingBox) Height() float64 {
	switch b.Format {
	case FormatPascal:
		return b.D - b.B
	default:
		return b.D
	}
}

func (b BoundingBox) String() string {
	return formatFloat(b.A) + " " + formatFloat(b.B) + " " + formatFloat(b.C) + " " + formatFloat(b.D)
}

// IoU computes intersection over union of two pascal boxes.
func IoU(a, b BoundingBox) float64 {
	x1 := math.Max(a.A, b.A)
	y1 := math.Max(a.B, b.B)
	x2 := math.Min(a.C, b.C)
	y2 := math.Min(a.D, b.D)

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (a.C - a.A) * (a.D - a.B)
	area2 := (b.C - b.A) * (b.D - b.B)
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0.0
	}

	return intersection / union
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
