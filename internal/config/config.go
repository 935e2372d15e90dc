package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// CacheType selects how file data is cached and persisted.
type CacheType int

const (
	// CacheNormal caches pages in memory and writes them back to the server.
	CacheNormal CacheType = iota
	// CacheMemory keeps all data in memory only and never contacts the
	// server for file data (create/write locally, no upload).
	CacheMemory
	// CacheNone disables caching; every access refreshes from the server.
	CacheNone
)

// ParseCacheType parses a --cachemode value.
func ParseCacheType(s string) (CacheType, error) {
	switch strings.ToLower(s) {
	case "normal":
		return CacheNormal, nil
	case "memory":
		return CacheMemory, nil
	case "none":
		return CacheNone, nil
	}
	return CacheNormal, fmt.Errorf("invalid cache mode %q (want none|memory|normal)", s)
}

func (t CacheType) String() string {
	switch t {
	case CacheMemory:
		return "memory"
	case CacheNone:
		return "none"
	default:
		return "normal"
	}
}

// Options is the complete daemon configuration.
type Options struct {
	Mount   MountConfig   `yaml:"mount"`
	Backend BackendConfig `yaml:"backend"`
	Cache   CacheConfig   `yaml:"cache"`
	Global  GlobalConfig  `yaml:"global"`
}

// MountConfig holds FUSE mount settings.
type MountConfig struct {
	Path        string   `yaml:"path"`
	ReadOnly    bool     `yaml:"read_only"`
	FakeChmod   bool     `yaml:"fake_chmod"`
	FakeChown   bool     `yaml:"fake_chown"`
	FuseOptions []string `yaml:"fuse_options"`
}

// BackendConfig holds server connection settings.
type BackendConfig struct {
	// APIURL is the HTTP endpoint of the server API.
	APIURL string `yaml:"api_url"`
	// APIPath is a local server CLI path, used instead of APIURL.
	APIPath string `yaml:"api_path"`
	// Username to authenticate as; prompted for a password if set.
	Username string `yaml:"username"`
	// Filesystem mounts a single filesystem id instead of the super-root.
	Filesystem string `yaml:"filesystem"`
	// Folder mounts a single folder id instead of the super-root.
	Folder string `yaml:"folder"`
	// Timeout for a single HTTP request.
	Timeout time.Duration `yaml:"timeout"`
	// RefreshInterval is how long folder listings stay fresh.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// SessionFile is an optional SQLite database remembering sessions.
	SessionFile string `yaml:"session_file"`
}

// CacheConfig holds page cache settings.
type CacheConfig struct {
	// Type selects normal, memory-only, or disabled caching.
	Type CacheType `yaml:"-"`
	// TypeName is the YAML-facing spelling of Type.
	TypeName string `yaml:"type"`
	// PageSize is the fixed page size for new files (bytes).
	PageSize int64 `yaml:"page_size"`
	// MemoryLimit bounds total cached page bytes before eviction.
	MemoryLimit int64 `yaml:"memory_limit"`
	// EvictMarginFrac: eviction targets limit - limit/frac.
	EvictMarginFrac int64 `yaml:"evict_margin_frac"`
	// MaxDirtyTime bounds dirty data as transfer time at measured bandwidth.
	MaxDirtyTime time.Duration `yaml:"max_dirty_time"`
	// ReadAheadTarget is the time target a read-ahead fetch should take;
	// bandwidth measurement converts it to a byte count.
	ReadAheadTarget time.Duration `yaml:"read_ahead_target"`
	// ReadMaxCacheFrac caps one read-ahead at MemoryLimit/frac bytes.
	ReadMaxCacheFrac int64 `yaml:"read_max_cache_frac"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	Debug       int    `yaml:"debug"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// NewDefault returns an Options with sensible defaults.
func NewDefault() *Options {
	return &Options{
		Mount: MountConfig{},
		Backend: BackendConfig{
			Timeout:         120 * time.Second,
			RefreshInterval: 15 * time.Second,
		},
		Cache: CacheConfig{
			Type:             CacheNormal,
			TypeName:         "normal",
			PageSize:         128 * 1024,
			MemoryLimit:      256 * 1024 * 1024,
			EvictMarginFrac:  16,
			MaxDirtyTime:     time.Second,
			ReadAheadTarget:  time.Second,
			ReadMaxCacheFrac: 4,
		},
		Global: GlobalConfig{},
	}
}

// LoadFromFile merges a YAML file into the options.
func (o *Options) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if o.Cache.TypeName != "" {
		t, err := ParseCacheType(o.Cache.TypeName)
		if err != nil {
			return err
		}
		o.Cache.Type = t
	}
	return nil
}

// LoadFromEnv merges CIRRUSFS_* environment variables into the options.
func (o *Options) LoadFromEnv() {
	if val := os.Getenv("CIRRUSFS_APIURL"); val != "" {
		o.Backend.APIURL = val
	}
	if val := os.Getenv("CIRRUSFS_USERNAME"); val != "" {
		o.Backend.Username = val
	}
	if val := os.Getenv("CIRRUSFS_MEMORY_LIMIT"); val != "" {
		if limit, err := strconv.ParseInt(val, 10, 64); err == nil {
			o.Cache.MemoryLimit = limit
		}
	}
	if val := os.Getenv("CIRRUSFS_DEBUG"); val != "" {
		if level, err := strconv.Atoi(val); err == nil {
			o.Global.Debug = level
		}
	}
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.Mount.Path == "" {
		return fmt.Errorf("mount path is required")
	}
	if o.Backend.APIURL == "" && o.Backend.APIPath == "" {
		return fmt.Errorf("one of api_url or api_path is required")
	}
	if o.Backend.APIURL != "" && o.Backend.APIPath != "" {
		return fmt.Errorf("api_url and api_path are mutually exclusive")
	}
	if o.Backend.Filesystem != "" && o.Backend.Folder != "" {
		return fmt.Errorf("filesystem and folder are mutually exclusive")
	}
	if o.Cache.PageSize <= 0 {
		return fmt.Errorf("page_size must be greater than 0")
	}
	if o.Cache.MemoryLimit < o.Cache.PageSize {
		return fmt.Errorf("memory_limit must hold at least one page")
	}
	if o.Cache.EvictMarginFrac <= 0 {
		return fmt.Errorf("evict_margin_frac must be greater than 0")
	}
	if o.Cache.ReadMaxCacheFrac <= 0 {
		return fmt.Errorf("read_max_cache_frac must be greater than 0")
	}
	return nil
}
