package muret

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

var (
	ErrLabelNotFound = errors.New("label not found in dictionary")
	ErrMissingRoot   = errors.New("missing dictionary root element")
	ErrIndexRange    = errors.New("dictionary index out of range")
)

// Dictionary keeps labels in insertion order together with their index.
type Dictionary struct {
	labels   []string
	inverted map[string]int
}

func NewDictionary(labels ...string) *Dictionary {
	d := &Dictionary{
		inverted: make(map[string]int),
	}

	for _, label := range labels {
		d.Add(label)
	}

	return d
}

func DictionaryFromJSON(path, root string) (*Dictionary, error) {
	slog.Info("reading dictionary", "file", path, "root", root)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode dictionary %s: %w", path, err)
	}

	raw, ok := doc[root]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingRoot, root)
	}

	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, fmt.Errorf("decode dictionary root %q: %w", root, err)
	}

	return NewDictionary(labels...), nil
}

func (d *Dictionary) Add(label string) {
	if _, ok := d.inverted[label]; ok {
		return
	}

	d.inverted[label] = len(d.labels)
	d.labels = append(d.labels, label)
}

func (d *Dictionary) Size() int {
	return len(d.labels)
}

func (d *Dictionary) Contains(label string) bool {
	_, ok := d.inverted[label]
	return ok
}

func (d *Dictionary) IndexOf(label string) (int, error) {
	index, ok := d.inverted[label]
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrLabelNotFound, label)
	}

	return index, nil
}

func (d *Dictionary) Label(index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("%w: negative index %d", ErrIndexRange, index)
	}

	if index >= len(d.labels) {
		return "", fmt.Errorf("%w: index %d >= %d", ErrIndexRange, index, len(d.labels))
	}

	return d.labels[index], nil
}

func (d *Dictionary) Labels() []string {
	return append([]string(nil), d.labels...)
}

func (d *Dictionary) MarshalJSON() ([]byte, error) {
	if d.labels == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(d.labels)
}
