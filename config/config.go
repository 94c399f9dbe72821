package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tutortoise/layout-analysis-service/dataset"
)

const (
	DefaultConfigPath = "config.yaml"
	DefaultAddr       = "127.0.0.1:8080"
	DefaultDataDir    = "data"
	DefaultPoolSize   = 2
	DefaultResize     = 512

	CacheFolder       = "cache"
	CheckpointsFolder = "checkpoints"

	// OutputFolder receives an import before it is renamed to its package.
	OutputFolder = ".output"
)

var ErrReservedName = errors.New("name is reserved by the data directory")

var reservedNames = []string{CacheFolder, CheckpointsFolder, OutputFolder}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxUpload    int64         `yaml:"max_upload"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RuntimeConfig struct {
	// LibraryPath points to the ONNX Runtime shared library.
	LibraryPath string `yaml:"library_path"`
	PoolSize    int    `yaml:"pool_size"`
}

type ImportConfig struct {
	Resize  int            `yaml:"resize"`
	Kind    string         `yaml:"kind"`
	Splits  dataset.Splits `yaml:"splits"`
	Workers int            `yaml:"workers"`

	DownloadTimeout time.Duration            `yaml:"download_timeout"`
	HostLimits      map[string]time.Duration `yaml:"host_limits"`
}

type Config struct {
	DataDir string `yaml:"data_dir"`
	Debug   bool   `yaml:"debug"`

	Server  ServerConfig  `yaml:"server"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Import  ImportConfig  `yaml:"import"`
}

func NewDefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir,

		Server: ServerConfig{
			Addr:           DefaultAddr,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   60 * time.Second,
			MaxUpload:      512 << 20,
			AllowedOrigins: []string{"*"},
		},

		Runtime: RuntimeConfig{
			PoolSize: DefaultPoolSize,
		},

		Import: ImportConfig{
			Resize:          DefaultResize,
			Kind:            "REGIONS",
			Splits:          dataset.InferenceOnly,
			DownloadTimeout: 10 * time.Second,
			HostLimits: map[string]time.Duration{
				"gallica.bnf.fr": 10 * time.Second,
			},
		},
	}
}

// LoadConfigFile reads path on top of the defaults and applies environment
// overrides. A missing file is not an error.
func LoadConfigFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)

		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LAYOUTD_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	if v := os.Getenv("LAYOUTD_ADDR"); v != "" {
		c.Server.Addr = v
	}

	if v := os.Getenv("ORT_LIB_PATH"); v != "" {
		c.Runtime.LibraryPath = v
	}

	if v, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil {
		c.Debug = v
	}
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}

	if c.Runtime.PoolSize < 0 {
		return errors.New("runtime.pool_size must not be negative")
	}

	return c.Import.Splits.Validate()
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, CacheFolder)
}

func (c *Config) CheckpointsDir() string {
	return filepath.Join(c.DataDir, CheckpointsFolder)
}

// ValidatePackageName reports whether name can be a package directory of
// the data directory. Reserved names are compared case-insensitively.
func ValidatePackageName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid package name %q", name)
	}

	for _, reserved := range reservedNames {
		if strings.EqualFold(name, reserved) {
			return fmt.Errorf("%w: %q", ErrReservedName, name)
		}
	}

	return nil
}

// PackageDir resolves a package name inside the data directory.
func (c *Config) PackageDir(name string) (string, error) {
	if err := ValidatePackageName(name); err != nil {
		return "", err
	}

	return filepath.Join(c.DataDir, name), nil
}
