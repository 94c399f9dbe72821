package iiif

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Tutortoise/layout-analysis-service/geometry"
	"github.com/Tutortoise/layout-analysis-service/muret"
)

const CollectionManifest = "IIIF"

type Kind string

const (
	KindUnknown     Kind = ""
	KindRepertorium Kind = "Repertorium"
	KindManifest    Kind = "IIIFManifest"
)

// Detect sniffs whether data is a Repertorium annotation export or a
// Presentation API manifest.
func Detect(data []byte) Kind {
	var probe struct {
		Images    json.RawMessage `json:"images"`
		Type      string          `json:"type"`
		AtType    string          `json:"@type"`
		Sequences json.RawMessage `json:"sequences"`
		Items     json.RawMessage `json:"items"`
	}

	if err := json.Unmarshal(data, &probe); err != nil {
		return KindUnknown
	}

	switch {
	case len(probe.Images) > 0:
		return KindRepertorium
	case probe.Type == "Manifest" || probe.AtType == "sc:Manifest" || len(probe.Sequences) > 0 || len(probe.Items) > 0:
		return KindManifest
	}

	return KindUnknown
}

// Manifest covers the subset of Presentation API 2.x and 3.0 used to locate
// page images.
type Manifest struct {
	ID        string     `json:"id"`
	AtID      string     `json:"@id"`
	Label     any        `json:"label"`
	Sequences []sequence `json:"sequences"`
	Items     []canvasV3 `json:"items"`
}

type sequence struct {
	Canvases []canvasV2 `json:"canvases"`
}

type canvasV2 struct {
	ID     string    `json:"@id"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Images []imageV2 `json:"images"`
}

type imageV2 struct {
	Resource struct {
		ID      string    `json:"@id"`
		Service serviceV2 `json:"service"`
	} `json:"resource"`
}

type serviceV2 struct {
	ID string `json:"@id"`
}

type canvasV3 struct {
	ID     string            `json:"id"`
	Width  int               `json:"width"`
	Height int               `json:"height"`
	Items  []annotationPageV3 `json:"items"`
}

type annotationPageV3 struct {
	Items []struct {
		Body struct {
			ID      string      `json:"id"`
			Service []serviceV3 `json:"service"`
		} `json:"body"`
	} `json:"items"`
}

type serviceV3 struct {
	ID   string `json:"id"`
	AtID string `json:"@id"`
}

type Canvas struct {
	ID       string
	Width    int
	Height   int
	ImageURL string
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	return &m, nil
}

func (m *Manifest) Title() string {
	switch label := m.Label.(type) {
	case string:
		return label
	case map[string]any:
		if s, ok := languageValue(label); ok {
			return s
		}
	case []any:
		for _, v := range label {
			if s, ok := v.(string); ok {
				return s
			}
			if entry, ok := v.(map[string]any); ok {
				if s, ok := entry["@value"].(string); ok {
					return s
				}
			}
		}
	}

	return "Manifest"
}

// languageValue picks the first value of a language map, preferring the
// "none" and "en" languages, then the others in sorted order.
func languageValue(label map[string]any) (string, bool) {
	languages := make([]string, 0, len(label))
	for lang := range label {
		languages = append(languages, lang)
	}
	sort.Slice(languages, func(i, j int) bool {
		return languageRank(languages[i]) < languageRank(languages[j]) ||
			languageRank(languages[i]) == languageRank(languages[j]) && languages[i] < languages[j]
	})

	for _, lang := range languages {
		if list, ok := label[lang].([]any); ok && len(list) > 0 {
			if s, ok := list[0].(string); ok {
				return s, true
			}
		}
	}

	return "", false
}

func languageRank(lang string) int {
	switch lang {
	case "none":
		return 0
	case "en":
		return 1
	default:
		return 2
	}
}

func (m *Manifest) Canvases() []Canvas {
	var result []Canvas

	for _, seq := range m.Sequences {
		for _, c := range seq.Canvases {
			canvas := Canvas{ID: c.ID, Width: c.Width, Height: c.Height}

			if len(c.Images) > 0 {
				res := c.Images[0].Resource
				canvas.ImageURL = res.ID

				if canvas.ImageURL == "" && res.Service.ID != "" {
					canvas.ImageURL = serviceImageURL(res.Service.ID)
				}
			}

			result = append(result, canvas)
		}
	}

	for _, c := range m.Items {
		canvas := Canvas{ID: c.ID, Width: c.Width, Height: c.Height}

	body:
		for _, page := range c.Items {
			for _, anno := range page.Items {
				if anno.Body.ID != "" {
					canvas.ImageURL = anno.Body.ID
					break body
				}

				for _, svc := range anno.Body.Service {
					id := svc.ID
					if id == "" {
						id = svc.AtID
					}
					if id != "" {
						canvas.ImageURL = serviceImageURL(id)
						break body
					}
				}
			}
		}

		result = append(result, canvas)
	}

	return result
}

func serviceImageURL(service string) string {
	return strings.TrimSuffix(service, "/") + "/full/full/0/default.jpg"
}

// ToMuRET produces one image per canvas with the whole canvas as page region.
func (m *Manifest) ToMuRET(kind muret.ObjectKind) (*muret.Package, error) {
	if kind == muret.KindSymbolsInRegions {
		return nil, ErrStaffWise
	}

	canvases := m.Canvases()
	if len(canvases) == 0 {
		return nil, errors.New("manifest has no canvases")
	}

	pkg := muret.NewPackage()
	pkg.RegionTypes.Add(PageRegion)

	name := SanitizeTitle(m.Title())
	if name == "" {
		name = "Manifest"
	}

	for i, canvas := range canvases {
		if canvas.ImageURL == "" {
			continue
		}

		id := fmt.Sprintf("%04d", i+1)
		filename := fmt.Sprintf("%s_%s.json", name, id)

		image := &muret.Image{
			ID:       id,
			URL:      CleanImageURL(canvas.ImageURL, canvas.Width, canvas.Height),
			Filename: filename,
			Pages: []muret.Page{{
				BoundingBox: geometry.FromMuRET(0, 0, float64(canvas.Width), float64(canvas.Height)),
			}},
		}
		image.SetLocation(name, strings.TrimSuffix(filename, ".json"))

		pkg.Images = append(pkg.Images, image)
	}

	if len(pkg.Images) == 0 {
		return nil, errors.New("manifest canvases have no images")
	}

	return pkg, nil
}
