package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

// LibraryType selects the Zotero library namespace
type LibraryType string

const (
	LibraryUser  LibraryType = "user"
	LibraryGroup LibraryType = "group"
)

// Defaults applied when the corresponding field is left empty
const (
	DefaultBaseURL         = "https://api.zotero.org"
	DefaultBinary          = "rmapi"
	DefaultCollectionLimit = 200
	DefaultWatchInterval   = 30 * time.Minute
	DefaultWatchDebounce   = 10 * time.Second
)

// Config represents the complete zotsyncd configuration
type Config struct {
	Zotero  ZoteroConfig  `yaml:"zotero"`
	Device  DeviceConfig  `yaml:"device"`
	Paths   PathsConfig   `yaml:"paths"`
	Journal JournalConfig `yaml:"journal"`
	Watch   WatchConfig   `yaml:"watch"`
}

// ZoteroConfig configures access to the reference library
type ZoteroConfig struct {
	APIKey          string      `yaml:"api_key"`
	LibraryID       string      `yaml:"library_id"`
	LibraryType     LibraryType `yaml:"library_type"`
	Collection      string      `yaml:"collection"`
	BaseURL         string      `yaml:"base_url"`
	CollectionLimit int         `yaml:"collection_limit"`
}

// DeviceConfig configures the rmapi device tool
type DeviceConfig struct {
	Binary  string        `yaml:"binary"`
	Folder  string        `yaml:"folder"`
	WorkDir string        `yaml:"work_dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StorageRoot string `yaml:"storage_root"`
}

// JournalConfig configures the run history database. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// WatchConfig configures continuous mode
type WatchConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Debounce          time.Duration `yaml:"debounce"`
	ListenAddr        string        `yaml:"listen_addr"`
	TriggerSecretFile string        `yaml:"trigger_secret_file"`
}

// Legacy environment variable names, compatible with existing .env files.
const (
	EnvAPIKey      = "API_KEY"
	EnvLibraryID   = "LIBRARY_ID"
	EnvCollection  = "COLLECTION_NAME"
	EnvFolder      = "FOLDER_NAME"
	EnvStorageRoot = "STORAGE_BASE_PATH"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finish(&cfg)
}

// FromEnv builds a configuration from the legacy environment variables only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Zotero: ZoteroConfig{
			APIKey:     os.Getenv(EnvAPIKey),
			LibraryID:  os.Getenv(EnvLibraryID),
			Collection: os.Getenv(EnvCollection),
		},
		Device: DeviceConfig{
			Folder: os.Getenv(EnvFolder),
		},
		Paths: PathsConfig{
			StorageRoot: os.Getenv(EnvStorageRoot),
		},
	}

	return finish(cfg)
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables that are already set are left untouched.
func LoadEnvFile(path string) error {
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Zotero.APIKey = os.ExpandEnv(c.Zotero.APIKey)
	c.Zotero.LibraryID = os.ExpandEnv(c.Zotero.LibraryID)
	c.Zotero.Collection = os.ExpandEnv(c.Zotero.Collection)
	c.Zotero.BaseURL = os.ExpandEnv(c.Zotero.BaseURL)
	c.Device.Binary = os.ExpandEnv(c.Device.Binary)
	c.Device.Folder = os.ExpandEnv(c.Device.Folder)
	c.Device.WorkDir = os.ExpandEnv(c.Device.WorkDir)
	c.Paths.StorageRoot = os.ExpandEnv(c.Paths.StorageRoot)
	c.Journal.Path = os.ExpandEnv(c.Journal.Path)
	c.Watch.ListenAddr = os.ExpandEnv(c.Watch.ListenAddr)
	c.Watch.TriggerSecretFile = os.ExpandEnv(c.Watch.TriggerSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Zotero.LibraryType == "" {
		c.Zotero.LibraryType = LibraryUser
	}
	if c.Zotero.BaseURL == "" {
		c.Zotero.BaseURL = DefaultBaseURL
	}
	if c.Zotero.CollectionLimit == 0 {
		c.Zotero.CollectionLimit = DefaultCollectionLimit
	}
	if c.Device.Binary == "" {
		c.Device.Binary = DefaultBinary
	}
	if c.Device.WorkDir == "" {
		c.Device.WorkDir = filepath.Join(os.TempDir(), "zotsyncd")
	}
	if c.Watch.Interval == 0 {
		c.Watch.Interval = DefaultWatchInterval
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = DefaultWatchDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Zotero.APIKey == "" {
		return fmt.Errorf("zotero.api_key is required")
	}
	if c.Zotero.LibraryID == "" {
		return fmt.Errorf("zotero.library_id is required")
	}
	if c.Zotero.Collection == "" {
		return fmt.Errorf("zotero.collection is required")
	}
	switch c.Zotero.LibraryType {
	case LibraryUser, LibraryGroup:
	default:
		return fmt.Errorf("invalid zotero.library_type: %s (must be user or group)", c.Zotero.LibraryType)
	}
	if c.Zotero.CollectionLimit < 0 {
		return fmt.Errorf("zotero.collection_limit must not be negative")
	}

	if c.Device.Folder == "" {
		return fmt.Errorf("device.folder is required")
	}
	if c.Device.Timeout < 0 {
		return fmt.Errorf("device.timeout must not be negative")
	}
	if !filepath.IsAbs(c.Device.WorkDir) {
		return fmt.Errorf("device.work_dir must be an absolute path: %s", c.Device.WorkDir)
	}

	if c.Paths.StorageRoot == "" {
		return fmt.Errorf("paths.storage_root is required")
	}
	if !filepath.IsAbs(c.Paths.StorageRoot) {
		return fmt.Errorf("paths.storage_root must be an absolute path: %s", c.Paths.StorageRoot)
	}

	if c.Watch.Interval < 0 || c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.interval and watch.debounce must not be negative")
	}
	if c.Watch.ListenAddr != "" && c.Watch.TriggerSecretFile == "" {
		return fmt.Errorf("watch.trigger_secret_file is required when watch.listen_addr is set")
	}

	return nil
}

// FolderPath returns the device folder as an rmapi absolute path
func (c *Config) FolderPath() string {
	return "/" + c.Device.Folder
}

// JournalEnabled reports whether runs should be recorded
func (c *Config) JournalEnabled() bool {
	return c.Journal.Path != ""
}

// TriggerEnabled reports whether the HTTP sync trigger should be served
func (c *Config) TriggerEnabled() bool {
	return c.Watch.ListenAddr != ""
}
