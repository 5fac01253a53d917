// Package config loads and validates the coordinator configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the recording coordinator.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Sensors    []SensorConfig   `yaml:"sensors"`
	Cameras    []CameraConfig   `yaml:"cameras"`
	Recording  RecordingConfig  `yaml:"recording"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Retention  RetentionConfig  `yaml:"retention"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Storage    StorageConfig    `yaml:"storage"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Log        LogConfig        `yaml:"log"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Name            string   `yaml:"name"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// SensorConfig describes one physical presence sensor and its binding to a
// camera.
type SensorConfig struct {
	Name   string `yaml:"name"`
	Camera string `yaml:"camera"`

	// Device is the sensor's GPIO value file. Empty means the sensor has
	// no hardware line and only fires through injected test events.
	Device string `yaml:"device"`

	// DebounceWindow filters electrical glitches: raw edges arriving closer
	// together than this are dropped before they reach the cooldown logic.
	DebounceWindow Duration `yaml:"debounce_window"`

	// Cooldown is the refractory period after an emitted motion event
	// during which further edges are suppressed.
	Cooldown Duration `yaml:"cooldown"`
}

// CameraConfig describes one physical camera.
type CameraConfig struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"`
	FPS    int    `yaml:"fps"`
}

// RecordingConfig contains the per-session recording tunables.
type RecordingConfig struct {
	MediaDir string `yaml:"media_dir"`

	// CoalesceTail is the post-roll window: recording continues this long
	// after the last coalesced motion event before finalizing.
	CoalesceTail Duration `yaml:"coalesce_tail"`

	// MinClipDuration is the minimum-viable-duration threshold. Aborted
	// sessions shorter than this are discarded instead of cataloged.
	MinClipDuration Duration `yaml:"min_clip_duration"`

	// MaxClipDuration caps a single session regardless of further motion.
	MaxClipDuration Duration `yaml:"max_clip_duration"`

	// LeaseTTL bounds how long a recording session may hold its exclusive
	// camera lease before the arbiter force-releases it.
	LeaseTTL Duration `yaml:"lease_ttl"`

	// EventQueueSize is the capacity of the shared ordered motion queue.
	EventQueueSize int `yaml:"event_queue_size"`
}

// CatalogConfig contains cataloger settings.
type CatalogConfig struct {
	Workers int `yaml:"workers"`

	// QueueSize bounds the finalized-session backlog.
	QueueSize int `yaml:"queue_size"`

	// ThumbnailSkip is how far into a clip the thumbnail frame is taken,
	// skipping black or transitional leading frames.
	ThumbnailSkip Duration `yaml:"thumbnail_skip"`
}

// RetentionConfig contains the retention sweep settings.
type RetentionConfig struct {
	Horizon       Duration `yaml:"horizon"`
	MaxStoreBytes int64    `yaml:"max_store_bytes"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// ClassifierConfig contains the sighting classifier adapter settings.
type ClassifierConfig struct {
	// Endpoint is the inference service URL. Empty means no classifier;
	// every clip is recorded as unclassified.
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
	Workers  int      `yaml:"workers"`
}

// StorageConfig contains the metadata store settings.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// ArchiveConfig contains the optional offsite clip archive settings.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	MaxUploads      int    `yaml:"max_uploads"`
	QueueSize       int    `yaml:"queue_size"`
}

// SnapshotConfig contains the periodic still-capture settings.
type SnapshotConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	LeaseTTL Duration `yaml:"lease_ttl"`
	Dir      string   `yaml:"dir"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration with every tunable set to its default.
// Sensors and cameras have no defaults; they come from the deployment.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "trailwarden",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Recording: RecordingConfig{
			MediaDir:        "/var/lib/trailwarden/media",
			CoalesceTail:    Duration(10 * time.Second),
			MinClipDuration: Duration(2 * time.Second),
			MaxClipDuration: Duration(5 * time.Minute),
			LeaseTTL:        Duration(10 * time.Minute),
			EventQueueSize:  256,
		},
		Catalog: CatalogConfig{
			Workers:       2,
			QueueSize:     32,
			ThumbnailSkip: Duration(500 * time.Millisecond),
		},
		Retention: RetentionConfig{
			Horizon:       Duration(7 * 24 * time.Hour),
			MaxStoreBytes: 32 << 30, // 32 GiB
			SweepInterval: Duration(time.Hour),
		},
		Classifier: ClassifierConfig{
			Timeout: Duration(30 * time.Second),
			Retries: 1,
			Workers: 2,
		},
		Storage: StorageConfig{
			DBPath: "/var/lib/trailwarden/trailwarden.db",
		},
		Archive: ArchiveConfig{
			MaxUploads: 2,
			QueueSize:  64,
		},
		Snapshot: SnapshotConfig{
			Interval: Duration(15 * time.Minute),
			LeaseTTL: Duration(30 * time.Second),
			Dir:      "/var/lib/trailwarden/snapshots",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays deployment-secret and ops overrides from the
// environment so credentials stay out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("TRAILWARDEN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TRAILWARDEN_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("TRAILWARDEN_CLASSIFIER_ENDPOINT"); v != "" {
		c.Classifier.Endpoint = v
	}
	if v := os.Getenv("TRAILWARDEN_ARCHIVE_ACCESS_KEY_ID"); v != "" {
		c.Archive.AccessKeyID = v
	}
	if v := os.Getenv("TRAILWARDEN_ARCHIVE_SECRET_ACCESS_KEY"); v != "" {
		c.Archive.SecretAccessKey = v
	}
}

// Validate reports configuration errors at startup. Sensor windows are
// checked here so a bad window never surfaces as a runtime failure.
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("config: at least one camera is required")
	}
	cameras := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("config: camera with empty name")
		}
		if cameras[cam.Name] {
			return fmt.Errorf("config: duplicate camera %q", cam.Name)
		}
		cameras[cam.Name] = true
	}

	seen := make(map[string]bool, len(c.Sensors))
	for _, s := range c.Sensors {
		if s.Name == "" {
			return fmt.Errorf("config: sensor with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate sensor %q", s.Name)
		}
		seen[s.Name] = true
		if !cameras[s.Camera] {
			return fmt.Errorf("config: sensor %q bound to unknown camera %q", s.Name, s.Camera)
		}
		if s.DebounceWindow <= 0 {
			return fmt.Errorf("config: sensor %q debounce window must be positive, got %v", s.Name, s.DebounceWindow)
		}
		if s.Cooldown <= 0 {
			return fmt.Errorf("config: sensor %q cooldown must be positive, got %v", s.Name, s.Cooldown)
		}
	}

	if c.Recording.CoalesceTail <= 0 {
		return fmt.Errorf("config: coalesce_tail must be positive")
	}
	if c.Recording.MinClipDuration < 0 {
		return fmt.Errorf("config: min_clip_duration must not be negative")
	}
	if c.Recording.MaxClipDuration <= c.Recording.CoalesceTail {
		return fmt.Errorf("config: max_clip_duration must exceed coalesce_tail")
	}
	if c.Recording.LeaseTTL <= c.Recording.MaxClipDuration {
		return fmt.Errorf("config: lease_ttl must exceed max_clip_duration")
	}
	if c.Classifier.Timeout <= 0 {
		return fmt.Errorf("config: classifier timeout must be positive")
	}
	if c.Classifier.Retries < 0 {
		return fmt.Errorf("config: classifier retries must not be negative")
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			return fmt.Errorf("config: archive requires endpoint and bucket")
		}
	}
	return nil
}

// RetentionMinAge is the floor below which no clip is eligible for the
// retention sweep: classification must have completed, or visibly failed,
// before a clip may be deleted.
func (c *Config) RetentionMinAge() time.Duration {
	return c.Classifier.Timeout.D() * time.Duration(c.Classifier.Retries+1)
}
