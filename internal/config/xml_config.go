// Package config provides XML-based configuration management for air-gapped deployment.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultShortNamePattern picks TET_XX-NN_YYYYMMDD style names out of longer
// filenames.
const DefaultShortNamePattern = `(TET_[A-Z]{1,3}-\d+_\d{8})`

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"GPXArchive"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Processing configuration
	Processing ProcessingConfig `xml:"Processing"`

	// Security configuration
	Security SecurityConfig `xml:"Security"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	DataDirectory      string `xml:"DataDirectory"`
	OriginalsDirectory string `xml:"OriginalsDirectory"`
	ProcessedDirectory string `xml:"ProcessedDirectory"`
	IndexFile          string `xml:"IndexFile"`
	MaxUploadSize      string `xml:"MaxUploadSize"`
}

// ProcessingConfig contains extraction job settings
type ProcessingConfig struct {
	MaxConcurrentJobs      int  `xml:"MaxConcurrentJobs"`
	JobQueueSize           int  `xml:"JobQueueSize"`
	RenderConcurrency      int  `xml:"RenderConcurrency"`
	JobRetentionMinutes    int  `xml:"JobRetentionMinutes"`
	CleanupIntervalMinutes int  `xml:"CleanupIntervalMinutes"`
	AutoProcess            bool `xml:"AutoProcessUploads"`
	EnableCompression      bool `xml:"EnableCompression"`
	CompressionLevel       int  `xml:"CompressionLevel"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	AllowFileDeletion bool   `xml:"AllowFileDeletion"`
	DeleteToken       string `xml:"DeleteToken"`
	AllowedFileTypes  string `xml:"AllowedFileTypes"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel"`
	LogFormat            string `xml:"LogFormat"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging"`
	DuckDBThreads        int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit    string `xml:"DuckDBMemoryLimit"`
	ShortNamePattern     string `xml:"ShortNamePattern"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  60,
			WriteTimeout: 0,
			IdleTimeout:  120,
			BodyLimit:    "512M",
		},
		Storage: StorageConfig{
			DataDirectory:      "./data",
			OriginalsDirectory: "./data/originals",
			ProcessedDirectory: "./data/processed",
			IndexFile:          "./data/archive.duckdb",
			MaxUploadSize:      "500MB",
		},
		Processing: ProcessingConfig{
			MaxConcurrentJobs:      2,
			JobQueueSize:           32,
			RenderConcurrency:      4,
			JobRetentionMinutes:    60,
			CleanupIntervalMinutes: 5,
			AutoProcess:            true,
			EnableCompression:      true,
			CompressionLevel:       5,
		},
		Security: SecurityConfig{
			AllowFileDeletion: true,
			DeleteToken:       "",
			AllowedFileTypes:  ".gpx",
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			LogFormat:            "console",
			EnableRequestLogging: true,
			DuckDBThreads:        2,
			DuckDBMemoryLimit:    "512MB",
			ShortNamePattern:     DefaultShortNamePattern,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- GPX Archive Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR moves every storage path under the new root
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.OriginalsDirectory = filepath.Join(dataDir, "originals")
		c.Storage.ProcessedDirectory = filepath.Join(dataDir, "processed")
		c.Storage.IndexFile = filepath.Join(dataDir, "archive.duckdb")
	}

	if mb := os.Getenv("MAX_CONTENT_LENGTH_MB"); mb != "" {
		if n, err := strconv.Atoi(mb); err == nil && n > 0 {
			c.Storage.MaxUploadSize = fmt.Sprintf("%dMB", n)
		}
	}

	if token := os.Getenv("DELETE_TOKEN"); token != "" {
		c.Security.DeleteToken = token
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.OriginalsDirectory,
		&c.Storage.ProcessedDirectory,
		&c.Storage.IndexFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// Validate checks values that would otherwise fail at first use.
func (c *AppConfig) Validate() error {
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	if _, err := c.ShortNameRegexp(); err != nil {
		return err
	}
	if c.Processing.MaxConcurrentJobs < 1 {
		return fmt.Errorf("invalid config: MaxConcurrentJobs must be at least 1")
	}
	if c.Processing.CompressionLevel < -2 || c.Processing.CompressionLevel > 9 {
		return fmt.Errorf("invalid config: CompressionLevel must be between -2 and 9")
	}
	return nil
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// MaxUploadBytes parses MaxUploadSize, e.g. "500MB".
func (c *AppConfig) MaxUploadBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Storage.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("invalid config: MaxUploadSize %q: %w", c.Storage.MaxUploadSize, err)
	}
	return int64(n), nil
}

// AllowedExtensions splits AllowedFileTypes into lower-case extensions.
func (c *AppConfig) AllowedExtensions() []string {
	var exts []string
	for _, part := range strings.Split(c.Security.AllowedFileTypes, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		exts = append(exts, part)
	}
	return exts
}

// AllowOriginList splits AllowOrigins.
func (c *AppConfig) AllowOriginList() []string {
	var origins []string
	for _, o := range strings.Split(c.Server.AllowOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// ShortNameRegexp compiles ShortNamePattern. An empty pattern disables
// short-name extraction.
func (c *AppConfig) ShortNameRegexp() (*regexp.Regexp, error) {
	if c.Advanced.ShortNamePattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.Advanced.ShortNamePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid config: ShortNamePattern: %w", err)
	}
	return re, nil
}

// EffectiveDeleteToken is the delete secret, or empty when deletion is
// switched off.
func (c *AppConfig) EffectiveDeleteToken() string {
	if !c.Security.AllowFileDeletion {
		return ""
	}
	return c.Security.DeleteToken
}

// EffectiveCompressionLevel is the zip deflate level, zero when disabled.
func (c *AppConfig) EffectiveCompressionLevel() int {
	if !c.Processing.EnableCompression {
		return 0
	}
	return c.Processing.CompressionLevel
}

// JobRetention is how long finished jobs stay queryable.
func (c *AppConfig) JobRetention() time.Duration {
	return time.Duration(c.Processing.JobRetentionMinutes) * time.Minute
}

// CleanupInterval is how often finished jobs are pruned.
func (c *AppConfig) CleanupInterval() time.Duration {
	if c.Processing.CleanupIntervalMinutes < 1 {
		return time.Minute
	}
	return time.Duration(c.Processing.CleanupIntervalMinutes) * time.Minute
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.OriginalsDirectory,
		c.Storage.ProcessedDirectory,
		filepath.Dir(c.Storage.IndexFile),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
