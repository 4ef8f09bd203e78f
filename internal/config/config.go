package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"

	"dngpipe/internal/fsutil"
)

const (
	defaultConfigPath = "~/.config/dngpipe/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Host       Host       `json:"host"`
	Export     Export     `json:"export"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs  int    `json:"parallel_jobs"`
	ThreadsPerJob int    `json:"threads_per_job"`
	TileSize      int    `json:"tile_size"`
	MemoryLimit   string `json:"memory_limit"` // e.g. "2GB" or "auto"; empty means unlimited
	TempDir       string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json, auto
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
	Inbox         string `json:"inbox"`
}

// Host mirrors the conversion settings carried by a dng.Host.
type Host struct {
	ForPreview    bool    `json:"for_preview"`
	MinimumSize   int     `json:"minimum_size"`
	PreferredSize int     `json:"preferred_size"`
	MaximumSize   int     `json:"maximum_size"`
	CropFactor    float64 `json:"crop_factor"`
	DNGVersion    string  `json:"dng_version"` // "1.4" style
	KeepStage1    bool    `json:"keep_stage1"`
	KeepStage2    bool    `json:"keep_stage2"`
}

// Export selects developed outputs.
type Export struct {
	TIFF        bool `json:"tiff"`
	JPEG        bool `json:"jpeg"`
	Quality     int  `json:"quality"`
	PreviewSize int  `json:"preview_size"`
	Gamma       bool `json:"gamma"`
}

// Server holds listen addresses for `dngpipe serve`.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := Path()
	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", expanded, err)
	}
	for _, p := range []*string{&cfg.Paths.DefaultInput, &cfg.Paths.DefaultOutput, &cfg.Paths.DatabasePath, &cfg.Paths.Inbox, &cfg.Logging.LogDir} {
		if *p, err = expandUser(*p); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Path returns the configuration file location, honouring DNGPIPE_CONFIG.
func Path() string {
	if p := os.Getenv("DNGPIPE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs:  defaultParallel,
			ThreadsPerJob: max(1, runtime.NumCPU()/defaultParallel),
			TileSize:      256,
			MemoryLimit:   "",
			TempDir:       os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "auto",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "dngpipe.db"),
		},
		Host: Host{
			CropFactor: 1,
			DNGVersion: "1.4",
		},
		Export: Export{
			TIFF:        true,
			Quality:     90,
			PreviewSize: 1024,
			Gamma:       true,
		},
		Server: Server{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:9090",
		},
	}
}

// MemoryLimitBytes parses Processing.MemoryLimit. Zero means no limit; "auto"
// takes three quarters of the currently available memory.
func (c *Config) MemoryLimitBytes() (int64, error) {
	s := strings.TrimSpace(c.Processing.MemoryLimit)
	if s == "" || s == "0" {
		return 0, nil
	}
	if strings.EqualFold(s, "auto") {
		avail, err := fsutil.AvailableMemory()
		if err != nil {
			return 0, fmt.Errorf("processing.memory_limit auto: %w", err)
		}
		return avail / 4 * 3, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("processing.memory_limit: %w", err)
	}
	return int64(n), nil
}

// DNGVersion parses Host.DNGVersion into the packed form used by dng.Host.
func (c *Config) DNGVersion() (uint32, error) {
	if c.Host.DNGVersion == "" {
		return 0x01040000, nil
	}
	var parts [4]uint32
	fields := strings.Split(c.Host.DNGVersion, ".")
	if len(fields) < 2 || len(fields) > 4 {
		return 0, fmt.Errorf("host.dng_version %q: want major.minor", c.Host.DNGVersion)
	}
	for i, f := range fields {
		var v uint32
		if _, err := fmt.Sscanf(f, "%d", &v); err != nil || v > 255 {
			return 0, fmt.Errorf("host.dng_version %q: bad component %q", c.Host.DNGVersion, f)
		}
		parts[i] = v
	}
	return parts[0]<<24 | parts[1]<<16 | parts[2]<<8 | parts[3], nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, errors.New("processing.parallel_jobs must be at least 1"))
	}
	if c.Processing.ThreadsPerJob < 1 {
		errs = append(errs, errors.New("processing.threads_per_job must be at least 1"))
	}
	if c.Processing.TileSize < 16 {
		errs = append(errs, errors.New("processing.tile_size must be at least 16"))
	}
	if _, err := c.MemoryLimitBytes(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json", "auto":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want text, json or auto", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not a level", c.Logging.Level))
	}
	if v, err := c.DNGVersion(); err != nil {
		errs = append(errs, err)
	} else if v < 0x01010000 {
		errs = append(errs, fmt.Errorf("host.dng_version %q predates opcode lists", c.Host.DNGVersion))
	}
	if c.Host.CropFactor < 0 {
		errs = append(errs, errors.New("host.crop_factor must not be negative"))
	}
	if c.Export.Quality < 0 || c.Export.Quality > 100 {
		errs = append(errs, fmt.Errorf("export.quality %d out of range 0-100", c.Export.Quality))
	}
	if c.Export.PreviewSize < 0 {
		errs = append(errs, errors.New("export.preview_size must not be negative"))
	}
	return errors.Join(errs...)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
