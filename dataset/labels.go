package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Tutortoise/layout-analysis-service/geometry"
)

// Object is a labelled box; Box is in YOLO format once part of a Sample.
type Object struct {
	Class      int
	Box        geometry.BoundingBox
	Confidence *float64
}

func (o Object) String() string {
	s := strconv.Itoa(o.Class) + " " + o.Box.String()

	if o.Confidence != nil {
		s += " " + strconv.FormatFloat(*o.Confidence, 'f', 5, 64)
	}

	return s
}

// ParseLabel parses "class xc yc w h [confidence]".
func ParseLabel(line string) (Object, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 && len(fields) != 6 {
		return Object{}, fmt.Errorf("invalid label line %q: expected 5 or 6 fields", line)
	}

	class, err := strconv.Atoi(fields[0])
	if err != nil {
		return Object{}, fmt.Errorf("invalid class in %q: %w", line, err)
	}

	var values [5]float64
	for i, f := range fields[1:] {
		if values[i], err = strconv.ParseFloat(f, 64); err != nil {
			return Object{}, fmt.Errorf("invalid value in %q: %w", line, err)
		}
	}

	obj := Object{
		Class: class,
		Box: geometry.BoundingBox{
			A:      values[0],
			B:      values[1],
			C:      values[2],
			D:      values[3],
			Format: geometry.FormatYOLO,
		},
	}

	if len(fields) == 6 {
		conf := values[4]
		obj.Confidence = &conf
	}

	return obj, nil
}

func ReadLabels(path string) ([]Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var objects []Object

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		obj, err := ParseLabel(line)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		objects = append(objects, obj)
	}

	return objects, scanner.Err()
}

func WriteLabels(path string, objects []Object) error {
	lines := make([]string, len(objects))
	for i, obj := range objects {
		lines[i] = obj.String()
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
