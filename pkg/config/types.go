package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/storyboard/storyboard/pkg/lifecycle"
	"github.com/storyboard/storyboard/pkg/stores"
	"github.com/storyboard/storyboard/pkg/telemetry"
)

// Config is the complete Storyboard configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `json:"server" yaml:"server" envPrefix:"SERVER_"`

	// Database configures the active database file and its lifecycle.
	Database DatabaseConfig `json:"database" yaml:"database" envPrefix:"DB_"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address (e.g., ":3002").
	Addr string `json:"addr" yaml:"addr" env:"ADDR" validate:"required"`

	// ReadHeaderTimeout bounds reading request headers.
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" validate:"gte=0"`

	// ReadTimeout bounds reading a whole request, uploads included.
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gte=0"`

	// WriteTimeout bounds writing a response, exports included.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gte=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`

	// MaxUploadBytes limits the size of an uploaded database.
	MaxUploadBytes int64 `json:"max_upload_bytes" yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES" validate:"gt=0"`
}

// DatabaseConfig configures the database file.
type DatabaseConfig struct {
	// Path is the active database file.
	Path string `json:"path" yaml:"path" env:"PATH" validate:"required"`

	// FileMode is the octal permission applied to the file (e.g., "0644").
	FileMode string `json:"file_mode" yaml:"file_mode" env:"FILE_MODE" validate:"required"`

	// SwapTimeout bounds a whole replace.
	SwapTimeout time.Duration `json:"swap_timeout" yaml:"swap_timeout" env:"SWAP_TIMEOUT" validate:"gt=0"`

	// KeepBackup keeps the replaced file as <path>.bak.
	KeepBackup bool `json:"keep_backup" yaml:"keep_backup" env:"KEEP_BACKUP"`

	// Watch logs changes made to the file by other processes.
	Watch bool `json:"watch" yaml:"watch" env:"WATCH"`

	BusyTimeout     time.Duration `json:"busy_timeout" yaml:"busy_timeout" env:"BUSY_TIMEOUT" validate:"gte=0"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" env:"MAX_OPEN_CONNS" validate:"gte=1"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" env:"MAX_IDLE_CONNS" validate:"gte=0"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME" validate:"gte=0"`
}

// Default returns the default configuration.
func Default() *Config {
	opts := stores.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Addr:              ":3002",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxUploadBytes:    64 << 20,
		},
		Database: DatabaseConfig{
			Path:            "./storyboard.db",
			FileMode:        "0644",
			SwapTimeout:     30 * time.Second,
			KeepBackup:      true,
			BusyTimeout:     opts.BusyTimeout,
			MaxOpenConns:    opts.MaxOpenConns,
			MaxIdleConns:    opts.MaxIdleConns,
			ConnMaxLifetime: opts.ConnMaxLifetime,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Mode parses FileMode.
func (d DatabaseConfig) Mode() (os.FileMode, error) {
	v, err := strconv.ParseUint(d.FileMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", d.FileMode, err)
	}
	if v > 0o777 {
		return 0, fmt.Errorf("invalid file mode %q: only permission bits are allowed", d.FileMode)
	}
	return os.FileMode(v), nil
}

// StoreOptions returns the SQLite connection options.
func (d DatabaseConfig) StoreOptions() stores.Options {
	return stores.Options{
		BusyTimeout:     d.BusyTimeout,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
	}
}

// Lifecycle returns the lifecycle manager configuration. Validate must have
// accepted the config first.
func (d DatabaseConfig) Lifecycle() lifecycle.Config {
	mode, err := d.Mode()
	if err != nil {
		mode = 0o644
	}
	return lifecycle.Config{
		Path:        d.Path,
		FileMode:    mode,
		SwapTimeout: d.SwapTimeout,
		KeepBackup:  d.KeepBackup,
		Watch:       d.Watch,
		Options:     d.StoreOptions(),
	}
}
