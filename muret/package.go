package muret

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/layout-analysis-service/geometry"
)

const (
	DictionaryFile = "dictionary.json"
	FilesFolder    = "files"

	RootRegions          = "region_dictionary"
	RootSymbolTypes      = "agnostic_symbol_types"
	RootPositionsInStaff = "agnostic_positions_in_staff"
	RootAgnostic         = "agnostic_dictionary"
)

var ErrEmptyPackage = errors.New("empty MuRET training set package")

// Package is a MuRET training package: dictionaries plus one image per JSON file.
type Package struct {
	RegionTypes      *Dictionary
	SymbolTypes      *Dictionary
	PositionsInStaff *Dictionary

	Images []*Image
}

func NewPackage() *Package {
	return &Package{
		RegionTypes:      NewDictionary(),
		SymbolTypes:      NewDictionary(),
		PositionsInStaff: NewDictionary(),
	}
}

type jsonBox struct {
	FromX float64 `json:"fromX"`
	FromY float64 `json:"fromY"`
	ToX   float64 `json:"toX"`
	ToY   float64 `json:"toY"`
}

func (b *jsonBox) box() *geometry.BoundingBox {
	if b == nil {
		return nil
	}

	box := geometry.FromMuRET(b.FromX, b.FromY, b.ToX, b.ToY)
	return &box
}

func boxJSON(b *geometry.BoundingBox) *jsonBox {
	if b == nil {
		return nil
	}

	return &jsonBox{FromX: b.A, FromY: b.B, ToX: b.C, ToY: b.D}
}

type jsonSymbol struct {
	BoundingBox     *jsonBox `json:"bounding_box,omitempty"`
	ApproximateX    *float64 `json:"approximate_x,omitempty"`
	Type            string   `json:"agnostic_symbol_type"`
	PositionInStaff string   `json:"position_in_staff"`
}

type jsonRegion struct {
	ID               string       `json:"id,omitempty"`
	BoundingBox      *jsonBox     `json:"bounding_box,omitempty"`
	Type             string       `json:"type"`
	SemanticEncoding string       `json:"semantic_encoding,omitempty"`
	Symbols          []jsonSymbol `json:"symbols,omitempty"`
}

type jsonPage struct {
	ID          string       `json:"id,omitempty"`
	BoundingBox jsonBox      `json:"bounding_box"`
	Regions     []jsonRegion `json:"regions,omitempty"`
}

type jsonImage struct {
	ID         flexibleID `json:"id"`
	URL        string     `json:"url"`
	Original   string     `json:"original,omitempty"`
	Filename   string     `json:"filename"`
	Rotation   string     `json:"rotation,omitempty"`
	Collection string     `json:"collection,omitempty"`
	Pages      []jsonPage `json:"pages,omitempty"`
}

// flexibleID accepts both string and numeric ids.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexibleID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}

	*id = flexibleID(n.String())
	return nil
}

type datasetFile struct {
	folder string
	name   string
	data   []byte
}

// LoadPackage reads dictionary.json and every JSON file below files/.
func LoadPackage(dir string) (*Package, error) {
	slog.Info("reading MuRET package", "folder", dir)

	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("package folder: %w", err)
	}

	dictionaryPath := filepath.Join(dir, DictionaryFile)
	if _, err := os.Stat(dictionaryPath); err != nil {
		return nil, fmt.Errorf("dictionary file: %w", err)
	}

	pkg := &Package{}

	var err error

	if pkg.RegionTypes, err = DictionaryFromJSON(dictionaryPath, RootRegions); err != nil {
		return nil, err
	}

	if pkg.SymbolTypes, err = DictionaryFromJSON(dictionaryPath, RootSymbolTypes); err != nil {
		return nil, err
	}

	if pkg.PositionsInStaff, err = DictionaryFromJSON(dictionaryPath, RootPositionsInStaff); err != nil {
		return nil, err
	}

	files, err := loadFiles(filepath.Join(dir, FilesFolder))
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, ErrEmptyPackage
	}

	pkg.Images = make([]*Image, len(files))

	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())

	for i, file := range files {
		g.Go(func() error {
			image, err := pkg.decodeImage(file)
			if err != nil {
				return err
			}

			pkg.Images[i] = image
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("MuRET package loaded", "folder", dir, "images", len(pkg.Images))

	return pkg, nil
}

func loadFiles(root string) ([]datasetFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("package files: %w", err)
	}

	var paths []string

	if info.IsDir() {
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if !d.IsDir() && strings.HasSuffix(d.Name(), ".json") && !strings.HasPrefix(d.Name(), "._") {
				paths = append(paths, path)
			}

			return nil
		})

		if err != nil {
			return nil, err
		}
	} else {
		paths = []string{root}
	}

	files := make([]datasetFile, len(paths))

	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())

	for i, path := range paths {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			folder := ""
			if info.IsDir() {
				rel, err := filepath.Rel(root, filepath.Dir(path))
				if err != nil {
					return err
				}
				if rel != "." {
					folder = filepath.ToSlash(rel)
				}
			}

			files[i] = datasetFile{
				folder: folder,
				name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
				data:   data,
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("JSON files read", "count", len(files))

	sort.Slice(files, func(i, j int) bool {
		if files[i].folder != files[j].folder {
			return files[i].folder < files[j].folder
		}
		return files[i].name < files[j].name
	})

	return files, nil
}

// decodeImage only reads the dictionaries, so it is safe to call concurrently.
func (p *Package) decodeImage(file datasetFile) (*Image, error) {
	var doc jsonImage
	if err := json.Unmarshal(file.data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", file.folder, file.name, err)
	}

	image := &Image{
		ID:       string(doc.ID),
		URL:      doc.URL,
		Filename: doc.Filename,

		folder: file.folder,
		name:   file.name,
	}

	for _, page := range doc.Pages {
		muretPage := Page{
			BoundingBox: geometry.FromMuRET(page.BoundingBox.FromX, page.BoundingBox.FromY, page.BoundingBox.ToX, page.BoundingBox.ToY),
		}

		for _, region := range page.Regions {
			if !p.RegionTypes.Contains(region.Type) {
				return nil, &ValidationError{File: file.name, Dictionary: RootRegions, Label: region.Type}
			}

			muretRegion := Region{
				Type:             region.Type,
				BoundingBox:      region.BoundingBox.box(),
				SemanticEncoding: region.SemanticEncoding,
			}

			if len(region.Symbols) > 0 {
				slog.Debug("processing symbols in region", "file", file.name, "symbols", len(region.Symbols))
			}

			for _, symbol := range region.Symbols {
				if !p.SymbolTypes.Contains(symbol.Type) {
					return nil, &ValidationError{File: file.name, Dictionary: RootSymbolTypes, Label: symbol.Type}
				}

				if !p.PositionsInStaff.Contains(symbol.PositionInStaff) {
					return nil, &ValidationError{File: file.name, Dictionary: RootPositionsInStaff, Label: symbol.PositionInStaff}
				}

				muretRegion.Symbols = append(muretRegion.Symbols, AgnosticSymbol{
					Type:            symbol.Type,
					PositionInStaff: symbol.PositionInStaff,
					BoundingBox:     symbol.BoundingBox.box(),
					ApproximateX:    symbol.ApproximateX,
				})
			}

			muretPage.Regions = append(muretPage.Regions, muretRegion)
		}

		image.Pages = append(image.Pages, muretPage)
	}

	return image, nil
}

// Save writes the package in the layout LoadPackage reads.
func (p *Package) Save(dir string, collection string) error {
	if err := os.MkdirAll(filepath.Join(dir, FilesFolder), 0o755); err != nil {
		return err
	}

	dictionary := map[string]any{
		RootRegions:          p.RegionTypes,
		RootAgnostic:         []string{},
		RootSymbolTypes:      p.SymbolTypes,
		RootPositionsInStaff: p.PositionsInStaff,
	}

	if err := writeJSON(filepath.Join(dir, DictionaryFile), dictionary); err != nil {
		return err
	}

	for _, image := range p.Images {
		doc := jsonImage{
			ID:         flexibleID(image.ID),
			URL:        image.URL,
			Original:   image.URL,
			Filename:   image.Filename,
			Rotation:   "0.0",
			Collection: collection,
		}

		for _, page := range image.Pages {
			jp := jsonPage{
				BoundingBox: *boxJSON(&page.BoundingBox),
			}

			for _, region := range page.Regions {
				jr := jsonRegion{
					BoundingBox:      boxJSON(region.BoundingBox),
					Type:             region.Type,
					SemanticEncoding: region.SemanticEncoding,
				}

				for _, symbol := range region.Symbols {
					jr.Symbols = append(jr.Symbols, jsonSymbol{
						BoundingBox:     boxJSON(symbol.BoundingBox),
						ApproximateX:    symbol.ApproximateX,
						Type:            symbol.Type,
						PositionInStaff: symbol.PositionInStaff,
					})
				}

				jp.Regions = append(jp.Regions, jr)
			}

			doc.Pages = append(doc.Pages, jp)
		}

		folder := filepath.Join(dir, FilesFolder, filepath.FromSlash(image.folder))
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return err
		}

		name := image.name
		if name == "" {
			name = strings.TrimSuffix(image.Filename, ".json")
		}

		if err := writeJSON(filepath.Join(folder, name+".json"), doc); err != nil {
			return err
		}
	}

	return nil
}

// SetLocation sets the folder (relative to files/) and file name used by Save.
func (i *Image) SetLocation(folder, name string) {
	i.folder = folder
	i.name = name
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
