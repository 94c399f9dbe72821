package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFile        = "dataset.yaml"
	ImagesFolder      = "images"
	LabelsFolder      = "labels"
	PredictionsFolder = "predictions"
	DictsFolder       = "muret_dicts"

	imageExt = ".png"
	labelExt = ".txt"
)

var ErrNotDataset = errors.New("not a dataset package")

// Config is the content of dataset.yaml.
type Config struct {
	Path  string         `yaml:"path"`
	Train string         `yaml:"train"`
	Val   string         `yaml:"val"`
	Test  string         `yaml:"test"`
	Names map[int]string `yaml:"names"`
}

func NewConfig(path string, names []string) *Config {
	cfg := &Config{
		Path:  path,
		Train: ImagesFolder + "/" + PartitionTrain,
		Val:   ImagesFolder + "/" + PartitionValidation,
		Test:  ImagesFolder + "/" + PartitionTest,
		Names: make(map[int]string, len(names)),
	}

	for i, name := range names {
		cfg.Names[i] = name
	}

	return cfg
}

// ClassNames returns the names ordered by class index. Gaps are left empty.
func (c *Config) ClassNames() []string {
	size := 0
	for i := range c.Names {
		if i+1 > size {
			size = i + 1
		}
	}

	names := make([]string, size)
	for i, name := range c.Names {
		if i >= 0 {
			names[i] = name
		}
	}

	return names
}

func (c *Config) PartitionDir(partition string) string {
	switch partition {
	case PartitionTrain:
		return filepath.Join(c.Path, filepath.FromSlash(c.Train))
	case PartitionValidation:
		return filepath.Join(c.Path, filepath.FromSlash(c.Val))
	default:
		return filepath.Join(c.Path, filepath.FromSlash(c.Test))
	}
}

func ReadConfig(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has no %s", ErrNotDataset, dir, ConfigFile)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ConfigFile, err)
	}

	if cfg.Path == "" {
		cfg.Path = dir
	}

	return &cfg, nil
}

func WriteConfig(dir string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644)
}

// Relocate rewrites the path field of dir/dataset.yaml to dir.
func Relocate(dir string) error {
	cfg, err := ReadConfig(dir)
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	cfg.Path = abs
	return WriteConfig(dir, cfg)
}

// PartitionImages lists the png images of a partition, sorted by name.
func PartitionImages(dir, partition string) ([]string, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		return nil, err
	}

	// the package may have been moved since dataset.yaml was written
	cfg.Path = dir

	entries, err := os.ReadDir(cfg.PartitionDir(partition))
	if err != nil {
		return nil, err
	}

	var images []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.EqualFold(filepath.Ext(entry.Name()), imageExt) {
			images = append(images, filepath.Join(cfg.PartitionDir(partition), entry.Name()))
		}
	}

	sort.Strings(images)
	return images, nil
}

// LabelPath returns the label file of image name in the given partition.
func LabelPath(dir, partition, name string) string {
	return filepath.Join(dir, LabelsFolder, partition, Stem(name)+labelExt)
}

func PredictionPath(dir, name string) string {
	return filepath.Join(dir, PredictionsFolder, Stem(name)+labelExt)
}

func ImagePath(dir, partition, name string) string {
	return filepath.Join(dir, ImagesFolder, partition, Stem(name)+imageExt)
}

// Stem returns the file name of path without directory and extension.
func Stem(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
