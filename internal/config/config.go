// Package config holds the application configuration tree. Values come from
// built-in defaults, an optional YAML file, and environment overrides, in
// that order.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Paths     PathsConfig     `yaml:"paths" json:"paths"`
	Import    ImportConfig    `yaml:"import" json:"import"`
	Transcode TranscodeConfig `yaml:"transcode" json:"transcode"`
	Watch     WatchConfig     `yaml:"watch" json:"watch"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig holds the HTTP surface configuration.
type ServerConfig struct {
	Host string `yaml:"host" json:"host" env:"FOTOARK_HOST"`
	Port int    `yaml:"port" json:"port" env:"FOTOARK_PORT"`
}

// DatabaseConfig selects and parameterizes the relational store.
type DatabaseConfig struct {
	Type         string `yaml:"type" json:"type" env:"DATABASE_TYPE"`
	DatabasePath string `yaml:"database_path" json:"database_path" env:"FOTOARK_DATABASE_PATH"`
	Host         string `yaml:"host" json:"host" env:"POSTGRES_HOST"`
	Port         int    `yaml:"port" json:"port" env:"POSTGRES_PORT"`
	Username     string `yaml:"username" json:"username" env:"POSTGRES_USER"`
	Password     string `yaml:"password" json:"-" env:"POSTGRES_PASSWORD"`
	Database     string `yaml:"database" json:"database" env:"POSTGRES_DB"`
	LogQueries   bool   `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES"`
}

// PathsConfig holds the archive roots. All are absolute directories,
// pre-created or creatable at startup.
type PathsConfig struct {
	ImportDir     string `yaml:"import_dir" json:"import_dir" env:"FOTOARK_IMPORT_DIR"`
	OriginalsDir  string `yaml:"originals_dir" json:"originals_dir" env:"FOTOARK_ORIGINALS_DIR"`
	PlaybackDir   string `yaml:"playback_dir" json:"playback_dir" env:"FOTOARK_PLAYBACK_DIR"`
	ThumbnailsDir string `yaml:"thumbnails_dir" json:"thumbnails_dir" env:"FOTOARK_THUMBNAILS_DIR"`
	TempDir       string `yaml:"temp_dir" json:"temp_dir" env:"FOTOARK_TEMP_DIR"`
}

// ImportConfig tunes the local-import pipeline.
type ImportConfig struct {
	// Timezone is the fallback zone for EXIF timestamps without an offset.
	Timezone string `yaml:"timezone" json:"timezone" env:"FOTOARK_TIMEZONE"`
	// DuplicateRegeneration controls thumbnail handling for re-imported
	// video duplicates: "regenerate" or "skip".
	DuplicateRegeneration string        `yaml:"duplicate_regeneration" json:"duplicate_regeneration" env:"FOTOARK_DUP_REGENERATION"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout" env:"FOTOARK_HEARTBEAT_TIMEOUT"`
	StalledAfter          time.Duration `yaml:"stalled_after" json:"stalled_after" env:"FOTOARK_STALLED_AFTER"`
	MaxSelectionAttempts  int           `yaml:"max_selection_attempts" json:"max_selection_attempts" env:"FOTOARK_MAX_SELECTION_ATTEMPTS"`
}

// TranscodeConfig parameterizes the std1080p transcode worker.
type TranscodeConfig struct {
	FFmpegPath   string        `yaml:"ffmpeg_path" json:"ffmpeg_path" env:"FOTOARK_FFMPEG_PATH"`
	FFprobePath  string        `yaml:"ffprobe_path" json:"ffprobe_path" env:"FOTOARK_FFPROBE_PATH"`
	CRF          int           `yaml:"crf" json:"crf" env:"FOTOARK_TRANSCODE_CRF"`
	Preset       string        `yaml:"preset" json:"preset" env:"FOTOARK_TRANSCODE_PRESET"`
	PosterOffset time.Duration `yaml:"poster_offset" json:"poster_offset" env:"FOTOARK_POSTER_OFFSET"`
	SweepEvery   time.Duration `yaml:"sweep_every" json:"sweep_every" env:"FOTOARK_TRANSCODE_SWEEP_EVERY"`
	// RecoverableNotes extends the default recoverable playback-failure set.
	RecoverableNotes []string `yaml:"recoverable_notes" json:"recoverable_notes" env:"FOTOARK_RECOVERABLE_NOTES"`
}

// WatchConfig controls the import-directory watcher.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled" env:"FOTOARK_WATCH_ENABLED"`
	Debounce time.Duration `yaml:"debounce" json:"debounce" env:"FOTOARK_WATCH_DEBOUNCE"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level" env:"FOTOARK_LOG_LEVEL"`
	JSONFormat bool   `yaml:"json_format" json:"json_format" env:"FOTOARK_LOG_JSON"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Type:         "sqlite",
			DatabasePath: "./data/fotoark.db",
			Host:         "localhost",
			Port:         5432,
			Username:     "fotoark",
			Database:     "fotoark",
		},
		Paths: PathsConfig{
			ImportDir:     "./data/import",
			OriginalsDir:  "./data/originals",
			PlaybackDir:   "./data/playback",
			ThumbnailsDir: "./data/thumbs",
			TempDir:       "./data/tmp",
		},
		Import: ImportConfig{
			Timezone:              "UTC",
			DuplicateRegeneration: "regenerate",
			HeartbeatTimeout:      120 * time.Second,
			StalledAfter:          5 * time.Minute,
			MaxSelectionAttempts:  3,
		},
		Transcode: TranscodeConfig{
			FFmpegPath:   "ffmpeg",
			FFprobePath:  "ffprobe",
			CRF:          20,
			Preset:       "veryfast",
			PosterOffset: time.Second,
			SweepEvery:   5 * time.Minute,
		},
		Watch: WatchConfig{
			Enabled:  false,
			Debounce: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file at
// path, and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constraints the rest of the system assumes.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	switch c.Import.DuplicateRegeneration {
	case "regenerate", "skip":
	default:
		return fmt.Errorf("invalid duplicate_regeneration %q", c.Import.DuplicateRegeneration)
	}
	if c.Transcode.CRF < 0 || c.Transcode.CRF > 51 {
		return fmt.Errorf("transcode crf %d out of range", c.Transcode.CRF)
	}
	return nil
}

func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue, ok := os.LookupEnv(envTag)
		if !ok {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envTag, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
			return nil
		}
		return fmt.Errorf("unsupported slice type %v", field.Type())
	default:
		return fmt.Errorf("unsupported field type %v", field.Kind())
	}
	return nil
}
