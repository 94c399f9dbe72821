package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/layout-analysis-service/geometry"
	"github.com/Tutortoise/layout-analysis-service/imagecache"
	"github.com/Tutortoise/layout-analysis-service/models"
	"github.com/Tutortoise/layout-analysis-service/muret"
)

const (
	RegionPage      = "page"
	RegionStaff     = "staff"
	RegionUndefined = "undefined"
)

var ErrNoSamples = errors.New("no images could be exported")

// Sample is one YOLO training image with its objects in YOLO format.
type Sample struct {
	Name     string
	Image    *image.Gray
	Objects  []Object
	Original geometry.Dimensions

	order [2]int
}

// NewSample encodes img to width x height and converts objects, given in
// pascal pixels of img, to YOLO boxes of the resized image.
func NewSample(name string, img image.Image, objects []Object, width, height int) (*Sample, error) {
	original := imagecache.Dimensions(img)

	gray, err := imagecache.Encode(img, width, height)
	if err != nil {
		return nil, err
	}

	resized := imagecache.Dimensions(gray)
	sx := float64(resized.Width) / float64(original.Width)
	sy := float64(resized.Height) / float64(original.Height)

	converted := make([]Object, 0, len(objects))
	for _, obj := range objects {
		box, err := obj.Box.Resize(sx, sy).ToYOLO(&resized)
		if err != nil {
			return nil, err
		}

		converted = append(converted, Object{Class: obj.Class, Box: box, Confidence: obj.Confidence})
	}

	return &Sample{
		Name:     name,
		Image:    gray,
		Objects:  converted,
		Original: original,
	}, nil
}

func (s *Sample) Save(dir, partition string) error {
	if err := imaging.Save(s.Image, ImagePath(dir, partition, s.Name)); err != nil {
		return fmt.Errorf("failed to save image %s: %w", s.Name, err)
	}

	return WriteLabels(LabelPath(dir, partition, s.Name), s.Objects)
}

// Exporter converts a MuRET package into a YOLO dataset.
type Exporter struct {
	Package  *muret.Package
	Cache    *imagecache.Cache
	Kind     muret.ObjectKind
	Splits   Splits
	Width    int
	Height   int
	Workers  int
	Reporter models.Reporter
}

func (e *Exporter) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return runtime.NumCPU()
}

func (e *Exporter) reporter() models.Reporter {
	if e.Reporter == nil {
		return models.NopReporter{}
	}
	return e.Reporter
}

// Dictionary returns the class dictionary used for the configured kind.
func (e *Exporter) Dictionary() *muret.Dictionary {
	if e.Kind == muret.KindRegions {
		e.Package.RegionTypes.Add(RegionPage)
		return e.Package.RegionTypes
	}
	return e.Package.SymbolTypes
}

// Export writes the dataset layout into out and returns the number of
// samples written.
func (e *Exporter) Export(ctx context.Context, out string) (int, error) {
	if err := e.Splits.Validate(); err != nil {
		return 0, err
	}

	if _, err := muret.ParseObjectKind(string(e.Kind)); err != nil {
		return 0, err
	}

	if err := createStructure(out); err != nil {
		return 0, err
	}

	abs, err := filepath.Abs(out)
	if err != nil {
		return 0, err
	}

	names := e.Dictionary().Labels()

	if err := WriteConfig(out, NewConfig(abs, names)); err != nil {
		return 0, err
	}

	if err := writeDictionaries(out, names); err != nil {
		return 0, err
	}

	samples, err := e.samples(ctx)
	if err != nil {
		return 0, err
	}

	if len(samples) == 0 {
		return 0, ErrNoSamples
	}

	partitions, err := Partition(samples, e.Splits)
	if err != nil {
		return 0, err
	}

	rep := e.reporter()
	rep.Info(fmt.Sprintf("Saving %d images", len(samples)))

	var saved int
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())

	for _, partition := range Partitions {
		for _, sample := range partitions.Get(partition) {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}

				if err := sample.Save(out, partition); err != nil {
					return err
				}

				mu.Lock()
				saved++
				rep.Progress(saved, len(samples), "Saving images")
				mu.Unlock()

				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	return len(samples), nil
}

func createStructure(out string) error {
	for _, kind := range []string{ImagesFolder, LabelsFolder} {
		for _, partition := range Partitions {
			if err := os.MkdirAll(filepath.Join(out, kind, partition), 0o755); err != nil {
				return err
			}
		}
	}

	return os.MkdirAll(filepath.Join(out, DictsFolder), 0o755)
}

func writeDictionaries(out string, names []string) error {
	i2w := make(map[string]string, len(names))
	w2i := make(map[string]int, len(names))

	for i, name := range names {
		i2w[strconv.Itoa(i)] = name
		w2i[name] = i
	}

	for file, v := range map[string]any{"i2w.json": i2w, "w2i.json": w2i} {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}

		if err := os.WriteFile(filepath.Join(out, DictsFolder, file), data, 0o644); err != nil {
			return err
		}
	}

	return nil
}

// samples loads every image of the package and builds its samples. Images
// that cannot be retrieved are logged and skipped.
func (e *Exporter) samples(ctx context.Context) ([]*Sample, error) {
	rep := e.reporter()
	total := len(e.Package.Images)

	rep.Info(fmt.Sprintf("Retrieving %d images", total))

	var (
		mu      sync.Mutex
		done    int
		samples []*Sample
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())

	for i, img := range e.Package.Images {
		g.Go(func() error {
			result, err := e.imageSamples(ctx, img)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				slog.Warn("cannot retrieve image", "url", img.URL, "error", err)
				rep.Warning(fmt.Sprintf("Cannot retrieve image %s", img.URL))
			}

			mu.Lock()
			defer mu.Unlock()

			for j, s := range result {
				s.order = [2]int{i, j}
				samples = append(samples, s)
			}

			done++
			rep.Progress(done, total, "Retrieving images")

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(samples, func(a, b int) bool {
		if samples[a].order[0] != samples[b].order[0] {
			return samples[a].order[0] < samples[b].order[0]
		}
		return samples[a].order[1] < samples[b].order[1]
	})

	return samples, nil
}

func (e *Exporter) imageSamples(ctx context.Context, img *muret.Image) ([]*Sample, error) {
	if e.Kind == muret.KindSymbolsInRegions {
		return e.staffSamples(ctx, img)
	}

	src, err := e.Cache.Load(ctx, img.URL)
	if err != nil {
		return nil, err
	}

	dims := imagecache.Dimensions(src)

	var objects []Object
	if e.Kind == muret.KindRegions {
		objects, err = e.regionObjects(img, dims)
	} else {
		objects, err = e.symbolObjects(img, 0, 0)
	}
	if err != nil {
		return nil, err
	}

	sample, err := NewSample(imagecache.Key(img.URL), src, objects, e.Width, e.Height)
	if err != nil {
		return nil, err
	}

	return []*Sample{sample}, nil
}

func (e *Exporter) regionObjects(img *muret.Image, dims geometry.Dimensions) ([]Object, error) {
	page, err := e.Package.RegionTypes.IndexOf(RegionPage)
	if err != nil {
		return nil, err
	}

	var objects []Object

	for _, p := range img.Pages {
		box := p.BoundingBox
		if box.Width() <= 0 || box.Height() <= 0 {
			box = geometry.FromMuRET(0, 0, float64(dims.Width), float64(dims.Height))
		}

		objects = append(objects, Object{Class: page, Box: box})

		for _, region := range p.Regions {
			if region.Type == RegionUndefined || region.BoundingBox == nil {
				continue
			}

			class, err := e.Package.RegionTypes.IndexOf(region.Type)
			if err != nil {
				return nil, err
			}

			objects = append(objects, Object{Class: class, Box: *region.BoundingBox})
		}
	}

	return objects, nil
}

// symbolObjects collects the symbols with a bounding box, translated by
// (-dx, -dy).
func (e *Exporter) symbolObjects(img *muret.Image, dx, dy float64) ([]Object, error) {
	var objects []Object

	for _, p := range img.Pages {
		for _, region := range p.Regions {
			symbols, err := e.regionSymbols(region, dx, dy)
			if err != nil {
				return nil, err
			}
			objects = append(objects, symbols...)
		}
	}

	return objects, nil
}

func (e *Exporter) regionSymbols(region muret.Region, dx, dy float64) ([]Object, error) {
	var objects []Object

	for _, symbol := range region.Symbols {
		if symbol.BoundingBox == nil {
			continue
		}

		class, err := e.Package.SymbolTypes.IndexOf(symbol.Type)
		if err != nil {
			return nil, err
		}

		b := *symbol.BoundingBox
		objects = append(objects, Object{
			Class: class,
			Box:   geometry.FromMuRET(b.A-dx, b.B-dy, b.C-dx, b.D-dy),
		})
	}

	return objects, nil
}

// staffSamples produces one sample per staff region holding symbols.
func (e *Exporter) staffSamples(ctx context.Context, img *muret.Image) ([]*Sample, error) {
	var samples []*Sample

	for _, p := range img.Pages {
		for _, region := range p.Regions {
			if region.Type != RegionStaff || len(region.Symbols) == 0 || region.BoundingBox == nil {
				continue
			}

			b := *region.BoundingBox
			x1, y1, x2, y2 := int(b.A), int(b.B), int(b.C), int(b.D)

			crop, err := e.Cache.Crop(ctx, img.URL, x1, y1, x2, y2)
			if err != nil {
				return samples, err
			}

			objects, err := e.regionSymbols(region, float64(x1), float64(y1))
			if err != nil {
				return samples, err
			}

			name := fmt.Sprintf("%s_%d", imagecache.Key(img.URL), len(samples))

			sample, err := NewSample(name, crop, objects, e.Width, e.Height)
			if err != nil {
				return samples, err
			}

			samples = append(samples, sample)
		}
	}

	return samples, nil
}
