package muret

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Tutortoise/layout-analysis-service/geometry"
)

type ObjectKind string

const (
	KindRegions          ObjectKind = "REGIONS"
	KindSymbolsInRegions ObjectKind = "SYMBOLS_IN_REGIONS"
	KindSymbolsInImages  ObjectKind = "SYMBOLS_IN_IMAGES"
)

var ErrUnknownKind = errors.New("unsupported object kind")

var ObjectKinds = []ObjectKind{
	KindRegions,
	KindSymbolsInRegions,
	KindSymbolsInImages,
}

func ParseObjectKind(s string) (ObjectKind, error) {
	kind := ObjectKind(strings.ToUpper(strings.TrimSpace(s)))

	for _, k := range ObjectKinds {
		if k == kind {
			return k, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type AgnosticSymbol struct {
	Type            string
	PositionInStaff string
	BoundingBox     *geometry.BoundingBox
	ApproximateX    *float64
}

type Region struct {
	Type             string
	BoundingBox      *geometry.BoundingBox
	SemanticEncoding string
	Symbols          []AgnosticSymbol
}

type Page struct {
	BoundingBox geometry.BoundingBox
	Regions     []Region
}

type Image struct {
	ID       string
	URL      string
	Filename string
	Pages    []Page

	folder string
	name   string
}

// ValidationError reports a label used in a file but missing from its dictionary.
type ValidationError struct {
	File       string
	Dictionary string
	Label      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %q not found in dictionary", e.File, e.Dictionary, e.Label)
}
