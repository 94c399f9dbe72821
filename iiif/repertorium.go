package iiif

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/Tutortoise/layout-analysis-service/geometry"
	"github.com/Tutortoise/layout-analysis-service/muret"
)

const (
	CollectionRepertorium = "Repertorium"
	PageRegion            = "page"
)

var ErrStaffWise = errors.New("staff-wise encoding is not supported for IIIF input")

// AnnotationDocument is the Repertorium export: IIIF images with polygon annotations.
type AnnotationDocument struct {
	Images []AnnotatedImage `json:"images"`
}

type AnnotatedImage struct {
	ID           json.Number       `json:"id"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	IIIFImageURL string            `json:"iiifImageUrl"`
	Manuscript   Manuscript        `json:"manuscript"`
	Groups       []AnnotationGroup `json:"annotationGroups"`
}

type Manuscript struct {
	ID    json.Number `json:"id"`
	Title string      `json:"title"`
}

type AnnotationGroup struct {
	ID          json.Number  `json:"id"`
	Annotations []Annotation `json:"annotations"`
}

type Annotation struct {
	ID      json.Number      `json:"id"`
	Type    string           `json:"type"`
	Polygon []geometry.Point `json:"polygon"`
}

func ParseAnnotationDocument(data []byte) (*AnnotationDocument, error) {
	var doc AnnotationDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode annotation document: %w", err)
	}

	if len(doc.Images) == 0 {
		return nil, errors.New("annotation document has no images")
	}

	return &doc, nil
}

// ToMuRET converts the annotation document into a MuRET package.
func (doc *AnnotationDocument) ToMuRET(kind muret.ObjectKind) (*muret.Package, error) {
	if kind == muret.KindSymbolsInRegions {
		return nil, ErrStaffWise
	}

	pkg := muret.NewPackage()
	pkg.RegionTypes.Add(PageRegion)

	for _, img := range doc.Images {
		name := SanitizeTitle(img.Manuscript.Title)
		filename := fmt.Sprintf("%s_%s.json", name, img.ID.String())

		url := CleanImageURL(img.IIIFImageURL, img.Width, img.Height)

		image := &muret.Image{
			ID:       img.ID.String(),
			URL:      url,
			Filename: filename,
		}
		image.SetLocation(img.Manuscript.ID.String(), strings.TrimSuffix(filename, ".json"))

		for _, group := range img.Groups {
			page := muret.Page{
				BoundingBox: geometry.FromMuRET(0, 0, float64(img.Width), float64(img.Height)),
			}

			for _, annotation := range group.Annotations {
				pkg.RegionTypes.Add(annotation.Type)

				box, err := geometry.FromPolygon(annotation.Polygon)
				if err != nil {
					slog.Warn("skipping annotation without polygon", "image", img.ID.String(), "annotation", annotation.ID.String())
					continue
				}

				page.Regions = append(page.Regions, muret.Region{
					Type:        annotation.Type,
					BoundingBox: &box,
				})
			}

			image.Pages = append(image.Pages, page)
		}

		pkg.Images = append(pkg.Images, image)
	}

	return pkg, nil
}

// SanitizeTitle keeps letters, digits and spaces, trims the right side and
// replaces spaces with underscores.
func SanitizeTitle(title string) string {
	var b strings.Builder

	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			b.WriteRune(r)
		}
	}

	return strings.ReplaceAll(strings.TrimRight(b.String(), " "), " ", "_")
}

// CleanImageURL turns an info.json reference into a downloadable image URL
// for the IIIF servers whose conventions are known.
func CleanImageURL(url string, width, height int) string {
	switch {
	case strings.Contains(url, "gallica.bnf.fr"):
		return strings.Replace(url, "info.json", "full/full/0/native.jpg", 1)
	case strings.Contains(url, "digital.blb-karlsruhe.de"):
		return strings.Replace(url, "info.json", "full/"+strconv.Itoa(width)+","+strconv.Itoa(height)+"/0/default.jpg", 1)
	default:
		return url
	}
}
