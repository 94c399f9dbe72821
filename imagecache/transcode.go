package imagecache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/layout-analysis-service/geometry"
)

// TranscoderID names the encoding used for cropped images in the cache.
const TranscoderID = "gray"

var ErrInvalidCrop = errors.New("invalid crop")

// Encode resizes img with nearest-neighbour sampling and converts it to
// grayscale. A zero width or height keeps the original size on that axis.
func Encode(img image.Image, width, height int) (*image.Gray, error) {
	bounds := img.Bounds()

	if width == 0 {
		width = bounds.Dx()
	}
	if height == 0 {
		height = bounds.Dy()
	}

	if width <= 0 || height <= 0 {
		return nil, errors.New("width and height must be positive")
	}

	if width > bounds.Dx() || height > bounds.Dy() {
		slog.Warn("target dimensions larger than the original image",
			"width", width, "height", height,
			"original_width", bounds.Dx(), "original_height", bounds.Dy())
	}

	var src image.Image = img
	if bounds.Dx() != width || bounds.Dy() != height {
		slog.Debug("resizing image", "width", width, "height", height)
		src = imaging.Resize(img, width, height, imaging.NearestNeighbor)
	}

	return toGray(src), nil
}

func toGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok && gray.Bounds().Min == (image.Point{}) {
		return gray
	}

	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)

	return gray
}

func Dimensions(img image.Image) geometry.Dimensions {
	b := img.Bounds()
	return geometry.Dimensions{Width: b.Dx(), Height: b.Dy()}
}

// Crop returns the grayscale crop (x1,y1)-(x2,y2) of the image at rawURL,
// reading it from the cropped cache when present.
func (c *Cache) Crop(ctx context.Context, rawURL string, x1, y1, x2, y2 int) (*image.Gray, error) {
	path := filepath.Join(c.dir, "cropped", TranscoderID, Key(rawURL), fmt.Sprintf("%d_%d_%d_%d.png", x1, y1, x2, y2))

	if _, err := os.Stat(path); err == nil {
		slog.Debug("loading cropped image", "path", path)

		img, err := imaging.Open(path)
		if err == nil {
			return toGray(img), nil
		}

		slog.Warn("discarding unreadable cropped image", "path", path, "error", err)
	}

	img, err := c.Load(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	cropped, err := CropImage(img, x1, y1, x2, y2)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	slog.Debug("saving cropped image", "path", path)

	if err := imaging.Save(cropped, path); err != nil {
		return nil, err
	}

	return cropped, nil
}

func CropImage(img image.Image, x1, y1, x2, y2 int) (*image.Gray, error) {
	if x1 >= x2 || y1 >= y2 {
		return nil, fmt.Errorf("%w: resulting crop must have positive dimensions", ErrInvalidCrop)
	}

	if x1 < 0 || y1 < 0 || x2 < 0 || y2 < 0 {
		return nil, fmt.Errorf("%w: coordinates must be positive", ErrInvalidCrop)
	}

	b := img.Bounds()
	if x1 >= b.Dx() || y1 >= b.Dy() || x2 > b.Dx() || y2 > b.Dy() {
		return nil, fmt.Errorf("%w: coordinates must not exceed the image dimensions", ErrInvalidCrop)
	}

	rect := image.Rect(x1, y1, x2, y2).Add(b.Min)
	return toGray(imaging.Crop(img, rect)), nil
}
