package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/v2v/internal/model"
)

// Config is the top-level configuration
type Config struct {
	Work       WorkConfig               `yaml:"work"`
	Conversion ConversionConfig         `yaml:"conversion"`
	Inspector  InspectorConfig          `yaml:"inspector"`
	Output     OutputConfig             `yaml:"output"`
	Backends   map[string]BackendConfig `yaml:"backends"`
}

// WorkConfig holds scratch space and bookkeeping settings
type WorkConfig struct {
	WorkDir      string `yaml:"work_dir"`
	DataDir      string `yaml:"data_dir"`
	DBPath       string `yaml:"db_path"`
	KeepOverlays bool   `yaml:"keep_overlays"`
	QemuImg      string `yaml:"qemu_img"`
}

// ConversionConfig holds the output disk options
type ConversionConfig struct {
	OutputFormat string `yaml:"output_format"`
	Allocation   string `yaml:"allocation"`
	Compressed   bool   `yaml:"compressed"`
}

// InspectorConfig names the guest inspection helper
type InspectorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// OutputConfig selects the output backend
type OutputConfig struct {
	Backend string `yaml:"backend"`
}

// BackendConfig is the raw YAML config for a backend
type BackendConfig map[string]interface{}

// LocalBackendConfig is the typed config for the local backend
type LocalBackendConfig struct {
	OutputDir string `yaml:"output_dir"`
	Reserve   string `yaml:"reserve"`
}

// UploadBackendConfig is the typed config for the upload backend
type UploadBackendConfig struct {
	// Helper is the argv of the per-disk upload helper. The placeholders
	// {socket}, {ready}, {id}, {size}, {format} and {name} are substituted.
	Helper          []string `yaml:"helper"`
	StartupTimeout  string   `yaml:"startup_timeout"`
	FinalizeTimeout string   `yaml:"finalize_timeout"`
	MetadataDir     string   `yaml:"metadata_dir"`

	// DeleteHelper is the argv that deletes a committed remote disk. {id}
	// is substituted with the identifier the upload helper reported.
	DeleteHelper  []string `yaml:"delete_helper"`
	DeleteTimeout string   `yaml:"delete_timeout"`
}

// Allocation modes for output disks.
const (
	AllocationSparse       = "sparse"
	AllocationPreallocated = "preallocated"
)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Work: WorkConfig{
			WorkDir: os.TempDir(),
			DataDir: "/var/lib/v2v",
			DBPath:  "",
			QemuImg: "qemu-img",
		},
		Conversion: ConversionConfig{
			OutputFormat: "raw",
			Allocation:   AllocationSparse,
		},
		Inspector: InspectorConfig{
			Command: "v2v-inspector",
		},
		Output: OutputConfig{
			Backend: "local",
		},
		Backends: make(map[string]BackendConfig),
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"v2v.yaml",
		"/etc/v2v/v2v.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "v2v", "v2v.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DatabasePath returns the run ledger location
func (c *Config) DatabasePath() string {
	if c.Work.DBPath != "" {
		return c.Work.DBPath
	}
	return filepath.Join(c.Work.DataDir, "v2v.db")
}

// Validate checks the conversion options before any work starts. Problems
// are user errors.
func (c *Config) Validate() error {
	if err := c.Conversion.Validate(); err != nil {
		return err
	}
	if c.Output.Backend == "" {
		return fmt.Errorf("%w: no output backend selected", model.ErrUser)
	}
	return nil
}

// Validate checks that the output format, allocation and compression
// settings can be combined.
func (c ConversionConfig) Validate() error {
	switch c.OutputFormat {
	case "raw", "qcow2":
	default:
		return fmt.Errorf("%w: unsupported output format %q (use raw or qcow2)", model.ErrUser, c.OutputFormat)
	}
	switch c.Allocation {
	case AllocationSparse, AllocationPreallocated:
	default:
		return fmt.Errorf("%w: unknown allocation mode %q (use sparse or preallocated)", model.ErrUser, c.Allocation)
	}
	if c.Compressed && c.OutputFormat != "qcow2" {
		return fmt.Errorf("%w: compressed output is only possible with qcow2", model.ErrUser)
	}
	return nil
}

// ParseBackendConfig unmarshals a backend's raw config into a typed struct
func ParseBackendConfig[T any](raw BackendConfig) (*T, error) {
	// Re-marshal to YAML then unmarshal to typed struct
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling backend config: %w", err)
	}
	var typed T
	if err := yaml.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("parsing backend config: %w", err)
	}
	return &typed, nil
}

// ParseDuration parses s, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return d, nil
}
