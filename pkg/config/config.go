// Exporter configuration from YAML files and MONOCLE_* environment variables
// Precedence: built-in defaults, then the YAML file, then the environment
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/andrewh/spanvault/pkg/logging"
	"github.com/andrewh/spanvault/pkg/ndjson"
	"github.com/andrewh/spanvault/pkg/upload"
)

// Storage backends.
const (
	BackendS3     = "s3"
	BackendAzure  = "azure"
	BackendGCS    = "gcs"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Backends lists the accepted backend names.
var Backends = []string{BackendS3, BackendAzure, BackendGCS, BackendFile, BackendMemory}

// Config is the top-level configuration.
type Config struct {
	Backend    string           `yaml:"backend"`
	Export     ExportConfig     `yaml:"export"`
	Upload     UploadConfig     `yaml:"upload"`
	Offload    OffloadConfig    `yaml:"offload"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Log        LogConfig        `yaml:"log"`
	S3         S3Config         `yaml:"s3"`
	Azure      AzureConfig      `yaml:"azure"`
	GCS        GCSConfig        `yaml:"gcs"`
	File       FileConfig       `yaml:"file"`
}

// ExportConfig controls buffering and flushing.
type ExportConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval,omitempty"`
	MaxSpansPerTrace int           `yaml:"max_spans_per_trace"`
	TombstoneTTL     time.Duration `yaml:"tombstone_ttl,omitempty"`
	// FilterAttribute, when set, drops spans that lack this attribute.
	FilterAttribute string `yaml:"filter_attribute,omitempty"`
	Format          string `yaml:"format"`
}

// UploadConfig controls object naming and retries.
type UploadConfig struct {
	Prefix string `yaml:"prefix"`
	// SubPrefixEnv names an environment variable read on every upload.
	SubPrefixEnv string      `yaml:"sub_prefix_env,omitempty"`
	Compression  string      `yaml:"compression"`
	Retry        RetryConfig `yaml:"retry"`
}

// RetryConfig mirrors upload.RetryPolicy.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Jitter          float64       `yaml:"jitter"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
}

// OffloadConfig controls background uploads of completed traces.
type OffloadConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DeadLetterConfig enables the SQLite dead-letter store when Path is set.
type DeadLetterConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	PathStyle       bool   `yaml:"path_style,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// AzureConfig configures the Azure Blob backend.
type AzureConfig struct {
	ConnectionString string `yaml:"connection_string,omitempty"`
	Container        string `yaml:"container"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	ProjectID       string `yaml:"project_id,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	Location        string `yaml:"location,omitempty"`
}

// FileConfig configures the local directory backend.
type FileConfig struct {
	Root      string `yaml:"root"`
	Container string `yaml:"container"`
}

// Default returns the built-in configuration.
func Default() *Config {
	retry := upload.DefaultRetryPolicy()
	return &Config{
		Backend: BackendFile,
		Export: ExportConfig{
			Timeout:          60 * time.Second,
			MaxSpansPerTrace: 10000,
			Format:           string(ndjson.FormatStdouttrace),
		},
		Upload: UploadConfig{
			Prefix:       upload.DefaultPrefix,
			SubPrefixEnv: "MONOCLE_S3_KEY_PREFIX_CURRENT",
			Compression:  upload.CompressionNone,
			Retry: RetryConfig{
				MaxAttempts:     retry.MaxAttempts,
				InitialInterval: retry.InitialInterval,
				Multiplier:      retry.Multiplier,
				MaxInterval:     retry.MaxInterval,
				Jitter:          retry.Jitter,
				MaxElapsed:      retry.MaxElapsed,
			},
		},
		Offload: OffloadConfig{
			Workers:      1,
			QueueSize:    256,
			DrainTimeout: 30 * time.Second,
		},
		Log:   LogConfig{Level: logging.DefaultConfig().Level},
		S3:    S3Config{Bucket: "default-bucket"},
		Azure: AzureConfig{Container: "default-container"},
		GCS:   GCSConfig{Bucket: "default-bucket"},
		File:  FileConfig{Root: ".", Container: ".monocle"},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path) //nolint:gosec // user-supplied config path is expected
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// env lists the environment overrides. Unset variables leave the field nil.
type env struct {
	Exporter           *string        `envconfig:"MONOCLE_EXPORTER"`
	Timeout            *time.Duration `envconfig:"MONOCLE_EXPORT_TIMEOUT"`
	Format             *string        `envconfig:"MONOCLE_EXPORT_FORMAT"`
	KeyPrefix          *string        `envconfig:"MONOCLE_S3_KEY_PREFIX"`
	Compression        *string        `envconfig:"MONOCLE_COMPRESSION"`
	DeadLetterPath     *string        `envconfig:"MONOCLE_DEAD_LETTER_PATH"`
	LogLevel           *string        `envconfig:"MONOCLE_LOG_LEVEL"`
	S3Bucket           *string        `envconfig:"MONOCLE_S3_BUCKET_NAME"`
	S3Region           *string        `envconfig:"MONOCLE_S3_REGION"`
	S3Endpoint         *string        `envconfig:"MONOCLE_S3_ENDPOINT"`
	AWSAccessKeyID     *string        `envconfig:"MONOCLE_AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey *string        `envconfig:"MONOCLE_AWS_SECRET_ACCESS_KEY"`
	BlobConnection     *string        `envconfig:"MONOCLE_BLOB_CONNECTION_STRING"`
	BlobContainer      *string        `envconfig:"MONOCLE_BLOB_CONTAINER_NAME"`
	GCSBucket          *string        `envconfig:"MONOCLE_GCS_BUCKET_NAME"`
	GCSProject         *string        `envconfig:"MONOCLE_GCS_PROJECT_ID"`
	GCSCredentials     *string        `envconfig:"MONOCLE_GCS_CREDENTIALS_FILE"`
	TraceOutputPath    *string        `envconfig:"MONOCLE_TRACE_OUTPUT_PATH"`
}

// ApplyEnv overrides fields from MONOCLE_* environment variables.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	set(&c.Backend, e.Exporter)
	set(&c.Export.Timeout, e.Timeout)
	set(&c.Export.Format, e.Format)
	set(&c.Upload.Prefix, e.KeyPrefix)
	set(&c.Upload.Compression, e.Compression)
	set(&c.DeadLetter.Path, e.DeadLetterPath)
	set(&c.Log.Level, e.LogLevel)
	set(&c.S3.Bucket, e.S3Bucket)
	set(&c.S3.Region, e.S3Region)
	set(&c.S3.Endpoint, e.S3Endpoint)
	set(&c.S3.AccessKeyID, e.AWSAccessKeyID)
	set(&c.S3.SecretAccessKey, e.AWSSecretAccessKey)
	set(&c.Azure.ConnectionString, e.BlobConnection)
	set(&c.Azure.Container, e.BlobContainer)
	set(&c.GCS.Bucket, e.GCSBucket)
	set(&c.GCS.ProjectID, e.GCSProject)
	set(&c.GCS.CredentialsFile, e.GCSCredentials)
	set(&c.File.Root, e.TraceOutputPath)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Resolve loads path (defaults when empty), applies the environment, and
// validates the result.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize lower-cases the backend name and resolves aliases.
func (c *Config) Normalize() {
	c.Backend = strings.ToLower(c.Backend)
	// "blob" is the name the Azure exporter has always been selected by.
	if c.Backend == "blob" {
		c.Backend = BackendAzure
	}
}

// Validate normalizes c and reports every invalid field at once.
func (c *Config) Validate() error {
	c.Normalize()
	var errs []error
	switch c.Backend {
	case BackendS3, BackendAzure, BackendGCS, BackendFile, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q, valid backends: %s", c.Backend, strings.Join(Backends, ", ")))
	}
	if c.Container() == "" {
		errs = append(errs, fmt.Errorf("backend %s: container name is required", c.Backend))
	}
	if c.Backend == BackendAzure && c.Azure.ConnectionString == "" {
		errs = append(errs, errors.New("azure: connection string is required"))
	}
	if c.Backend == BackendFile && c.File.Root == "" {
		errs = append(errs, errors.New("file: root directory is required"))
	}

	if c.Export.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("export.timeout must be positive, got %s", c.Export.Timeout))
	}
	if c.Export.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("export.sweep_interval must not be negative, got %s", c.Export.SweepInterval))
	}
	if c.Export.MaxSpansPerTrace < 0 {
		errs = append(errs, fmt.Errorf("export.max_spans_per_trace must not be negative, got %d", c.Export.MaxSpansPerTrace))
	}
	if _, err := ndjson.ParseFormat(c.Export.Format); err != nil {
		errs = append(errs, fmt.Errorf("export.format: %w", err))
	}

	if strings.Contains(strings.ToLower(c.Upload.Prefix), "0x") {
		errs = append(errs, fmt.Errorf("upload.prefix %q must not contain 0x", c.Upload.Prefix))
	}
	switch c.Upload.Compression {
	case "", upload.CompressionNone, upload.CompressionGzip:
	default:
		errs = append(errs, fmt.Errorf("upload.compression %q, valid: none, gzip", c.Upload.Compression))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("upload.retry: %w", err))
	}

	if c.Offload.Workers < 0 || c.Offload.QueueSize < 0 {
		errs = append(errs, errors.New("offload.workers and offload.queue_size must not be negative"))
	}
	if c.Offload.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("offload.drain_timeout must not be negative, got %s", c.Offload.DrainTimeout))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Container returns the destination container of the selected backend.
func (c *Config) Container() string {
	switch c.Backend {
	case BackendS3:
		return c.S3.Bucket
	case BackendAzure:
		return c.Azure.Container
	case BackendGCS:
		return c.GCS.Bucket
	case BackendFile, BackendMemory:
		return c.File.Container
	}
	return ""
}

// SetContainer overrides the destination container of the selected backend.
func (c *Config) SetContainer(name string) {
	switch c.Backend {
	case BackendS3:
		c.S3.Bucket = name
	case BackendAzure:
		c.Azure.Container = name
	case BackendGCS:
		c.GCS.Bucket = name
	case BackendFile, BackendMemory:
		c.File.Container = name
	}
}

// Region returns the region used when the container has to be created.
func (c *Config) Region() string {
	switch c.Backend {
	case BackendS3:
		return c.S3.Region
	case BackendGCS:
		return c.GCS.Location
	}
	return ""
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() upload.RetryPolicy {
	r := c.Upload.Retry
	return upload.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		Multiplier:      r.Multiplier,
		MaxInterval:     r.MaxInterval,
		Jitter:          r.Jitter,
		MaxElapsed:      r.MaxElapsed,
	}
}
