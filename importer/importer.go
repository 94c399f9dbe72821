package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Tutortoise/layout-analysis-service/config"
	"github.com/Tutortoise/layout-analysis-service/dataset"
	"github.com/Tutortoise/layout-analysis-service/iiif"
	"github.com/Tutortoise/layout-analysis-service/imagecache"
	"github.com/Tutortoise/layout-analysis-service/models"
	"github.com/Tutortoise/layout-analysis-service/muret"
)

type Format string

const (
	FormatRepertorium Format = "Repertorium"
	FormatManifest    Format = "IIIFManifest"
	FormatMuRET       Format = "MuRET"

	DefaultPackageName = "Output"
	MinResize          = 128
)

var (
	ErrNoFile          = errors.New("please upload a file to import")
	ErrNoFormat        = errors.New("please select a format to import")
	ErrFormatMismatch  = errors.New("file type does not match the selected format")
	ErrInvalidPackage  = errors.New("invalid package name")
	ErrUnsupportedFile = errors.New("unsupported format")
)

func Formats() []Format {
	return []Format{FormatRepertorium, FormatManifest, FormatMuRET}
}

func ParseFormat(s string) (Format, error) {
	for _, f := range Formats() {
		if strings.EqualFold(string(f), s) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFile, s)
}

// Request is the Data Manager form.
type Request struct {
	Filename    string
	Data        []byte
	Format      Format
	PackageName string
	Resize      int
	Kind        muret.ObjectKind
	Splits      dataset.Splits
}

type Result struct {
	Package string `json:"package"`
	Path    string `json:"path"`
	Images  int    `json:"images"`
}

// Validate checks the request and fills in defaults. The warnings returned
// are meant for the user.
func (r *Request) Validate() ([]string, error) {
	var warnings []string

	if r.Filename == "" || len(r.Data) == 0 {
		return nil, ErrNoFile
	}

	if r.Format == "" {
		return nil, ErrNoFormat
	}

	if _, err := ParseFormat(string(r.Format)); err != nil {
		return nil, err
	}

	if isArchive(r.Filename) {
		if r.Format != FormatMuRET {
			return nil, fmt.Errorf("%w: if ZIP is given, format should be MuRET", ErrFormatMismatch)
		}
	} else if r.Format == FormatMuRET {
		return nil, fmt.Errorf("%w: if JSON is given, format should not be MuRET", ErrFormatMismatch)
	}

	if r.Resize < MinResize {
		r.Resize = 0
		warnings = append(warnings, fmt.Sprintf("Resize under %d is not viable, using original image size", MinResize))
	}

	r.PackageName = strings.TrimSpace(r.PackageName)
	if r.PackageName == "" {
		r.PackageName = DefaultPackageName
	}

	if err := config.ValidatePackageName(r.PackageName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPackage, err)
	}

	if r.Kind == "" {
		r.Kind = muret.KindRegions
	}

	if _, err := muret.ParseObjectKind(string(r.Kind)); err != nil {
		return nil, err
	}

	if err := r.Splits.Validate(); err != nil {
		return nil, err
	}

	return warnings, nil
}

// Importer turns uploaded manuscript descriptions into packages under DataDir.
type Importer struct {
	DataDir string
	Cache   *imagecache.Cache
	Workers int

	// output is shared by every import
	mu sync.Mutex
}

func New(dataDir string, cache *imagecache.Cache) *Importer {
	return &Importer{DataDir: dataDir, Cache: cache}
}

func (im *Importer) Import(ctx context.Context, req *Request, rep models.Reporter) (*Result, error) {
	if rep == nil {
		rep = models.NopReporter{}
	}

	warnings, err := req.Validate()
	if err != nil {
		return nil, err
	}

	for _, w := range warnings {
		slog.Warn(w)
		rep.Warning(w)
	}

	resize := "original size"
	if req.Resize > 0 {
		resize = fmt.Sprintf("%d", req.Resize)
	}
	rep.Info(fmt.Sprintf("Uploading %s with format %s and resizing to %s", filepath.Base(req.Filename), req.Format, resize))

	tmp := filepath.Join(im.DataDir, ".import-"+uuid.NewString())
	defer os.RemoveAll(tmp)

	pkg, err := im.load(req, tmp)
	if err != nil {
		return nil, err
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	output := filepath.Join(im.DataDir, config.OutputFolder)
	if err := os.RemoveAll(output); err != nil {
		return nil, err
	}

	exporter := &dataset.Exporter{
		Package:  pkg,
		Cache:    im.Cache,
		Kind:     req.Kind,
		Splits:   req.Splits,
		Width:    req.Resize,
		Height:   req.Resize,
		Workers:  im.Workers,
		Reporter: rep,
	}

	n, err := exporter.Export(ctx, output)
	if err != nil {
		os.RemoveAll(output)
		return nil, fmt.Errorf("failed to export package: %w", err)
	}

	final := filepath.Join(im.DataDir, req.PackageName)
	if err := os.RemoveAll(final); err != nil {
		return nil, err
	}

	if err := os.Rename(output, final); err != nil {
		return nil, err
	}

	if err := dataset.Relocate(final); err != nil {
		return nil, err
	}

	slog.Info("package imported", "package", req.PackageName, "images", n, "path", final)
	rep.Info(fmt.Sprintf("Imported %s successfully", filepath.Base(req.Filename)))

	return &Result{Package: req.PackageName, Path: final, Images: n}, nil
}

// load produces the MuRET package for the request. IIIF input is converted
// and written to tmp first so it goes through the same validation as an
// uploaded MuRET package.
func (im *Importer) load(req *Request, tmp string) (*muret.Package, error) {
	var dir string

	switch req.Format {
	case FormatMuRET:
		if err := extract(req.Filename, req.Data, tmp); err != nil {
			return nil, err
		}

		found, err := findPackage(tmp)
		if err != nil {
			return nil, err
		}
		dir = found

	case FormatRepertorium, FormatManifest:
		var (
			pkg        *muret.Package
			collection string
			err        error
		)

		if req.Format == FormatRepertorium {
			pkg, err = convertRepertorium(req.Data, req.Kind)
			collection = iiif.CollectionRepertorium
		} else {
			pkg, err = convertManifest(req.Data, req.Kind)
			collection = iiif.CollectionManifest
		}
		if err != nil {
			return nil, err
		}

		dir = filepath.Join(tmp, "muret")
		if err := pkg.Save(dir, collection); err != nil {
			return nil, err
		}
	}

	return muret.LoadPackage(dir)
}

func convertRepertorium(data []byte, kind muret.ObjectKind) (*muret.Package, error) {
	if detected := iiif.Detect(data); detected != iiif.KindRepertorium {
		return nil, fmt.Errorf("%w: the file is not a Repertorium annotation export", ErrFormatMismatch)
	}

	doc, err := iiif.ParseAnnotationDocument(data)
	if err != nil {
		return nil, err
	}

	return doc.ToMuRET(kind)
}

func convertManifest(data []byte, kind muret.ObjectKind) (*muret.Package, error) {
	if detected := iiif.Detect(data); detected != iiif.KindManifest {
		return nil, fmt.Errorf("%w: the file is not a IIIF manifest", ErrFormatMismatch)
	}

	manifest, err := iiif.ParseManifest(data)
	if err != nil {
		return nil, err
	}

	return manifest.ToMuRET(kind)
}

// Packages lists the imported packages in dataDir.
func Packages(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || config.ValidatePackageName(name) != nil {
			continue
		}

		if _, err := os.Stat(filepath.Join(dataDir, name, dataset.ConfigFile)); err != nil {
			continue
		}

		names = append(names, name)
	}

	return names, nil
}
