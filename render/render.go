// Package render draws labelled or predicted boxes on package images.
package render

import (
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Tutortoise/layout-analysis-service/dataset"
	"github.com/Tutortoise/layout-analysis-service/geometry"
)

type Source string

const (
	SourceLabels      Source = "labels"
	SourcePredictions Source = "predictions"

	lineWidth = 2
)

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrMissingFile   = errors.New("file does not exist")

	DefaultColor = color.RGBA{G: 255, A: 255}
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "", SourceLabels:
		return SourceLabels, nil
	case SourcePredictions:
		return SourcePredictions, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// Colors assigns a color to every class name. The same name always gets
// the same color.
func Colors(names []string) []color.RGBA {
	colors := make([]color.RGBA, len(names))

	for i, name := range names {
		h := fnv.New32a()
		h.Write([]byte(name))
		sum := h.Sum32()

		// keep every channel away from white so labels stay readable
		colors[i] = color.RGBA{
			R: uint8(sum) % 200,
			G: uint8(sum>>8) % 200,
			B: uint8(sum>>16) % 200,
			A: 255,
		}
	}

	return colors
}

// Draw returns a copy of img with every object drawn as a rectangle with its
// class name above it and caption in the top left corner.
func Draw(img image.Image, objects []dataset.Object, names []string, colors []color.RGBA, caption string) (*image.RGBA, error) {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	dims := geometry.Dimensions{Width: b.Dx(), Height: b.Dy()}

	for _, obj := range objects {
		box, err := obj.Box.ToPascal(&dims)
		if err != nil {
			return nil, err
		}

		c := DefaultColor
		if obj.Class >= 0 && obj.Class < len(colors) {
			c = colors[obj.Class]
		}

		name := strconv.Itoa(obj.Class)
		if obj.Class >= 0 && obj.Class < len(names) && names[obj.Class] != "" {
			name = names[obj.Class]
		}

		x1, y1, x2, y2 := int(box.A), int(box.B), int(box.C), int(box.D)
		rectangle(dst, x1, y1, x2, y2, c)
		text(dst, name, x1, y1-5, c)
	}

	text(dst, caption, 10, 10, color.RGBA{A: 255})

	return dst, nil
}

func rectangle(dst *image.RGBA, x1, y1, x2, y2 int, c color.Color) {
	src := &image.Uniform{C: c}
	half := lineWidth / 2

	edges := []image.Rectangle{
		image.Rect(x1-half, y1-half, x2+half, y1+half),
		image.Rect(x1-half, y2-half, x2+half, y2+half),
		image.Rect(x1-half, y1-half, x1+half, y2+half),
		image.Rect(x2-half, y1-half, x2+half, y2+half),
	}

	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}

func text(dst *image.RGBA, s string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  &image.Uniform{C: c},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// Entry is one image of a package gallery.
type Entry struct {
	Name   string `json:"name"`
	Image  string `json:"image"`
	Labels string `json:"labels"`
}

// Gallery lists the test images of the package in dir with the label file
// to draw for the given source.
func Gallery(dir string, source Source) ([]Entry, error) {
	images, err := dataset.PartitionImages(dir, dataset.PartitionTest)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(images))
	for _, path := range images {
		entries = append(entries, Entry{
			Name:   dataset.Stem(path),
			Image:  path,
			Labels: labelPath(dir, source, path),
		})
	}

	return entries, nil
}

func labelPath(dir string, source Source, image string) string {
	if source == SourcePredictions {
		return dataset.PredictionPath(dir, image)
	}
	return dataset.LabelPath(dir, dataset.PartitionTest, image)
}

// Render draws one gallery entry using the class names of the package.
func Render(dir string, entry Entry) (*image.RGBA, error) {
	for _, path := range []string{entry.Image, entry.Labels} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
	}

	cfg, err := dataset.ReadConfig(dir)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Open(entry.Image)
	if err != nil {
		return nil, err
	}

	objects, err := dataset.ReadLabels(entry.Labels)
	if err != nil {
		return nil, err
	}

	names := cfg.ClassNames()
	return Draw(img, objects, names, Colors(names), dataset.Stem(entry.Labels))
}

// Find returns the gallery entry of the named image.
func Find(dir string, source Source, name string) (Entry, error) {
	path := dataset.ImagePath(dir, dataset.PartitionTest, filepath.Base(name))

	if _, err := os.Stat(path); err != nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrMissingFile, path)
	}

	return Entry{Name: dataset.Stem(path), Image: path, Labels: labelPath(dir, source, path)}, nil
}
