// Package config assembles the application configuration from defaults, an
// optional YAML profile, .env files, the environment and finally the
// command line, each layer overriding the one before.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tes-profile-go/internal/stack"
)

const (
	BackendMJPEG = "mjpeg"
	BackendGoCV  = "gocv"
)

type AppConfig struct {
	LogLevel        string  `yaml:"log_level" env:"TES_LOG_LEVEL"`
	Port            int     `yaml:"port" env:"TES_PORT"`
	TracingEndpoint string  `yaml:"tracing_endpoint" env:"TES_TRACING_ENDPOINT"`
	Debug           bool    `yaml:"debug" env:"TES_DEBUG"`
	DebugRate       float64 `yaml:"debug_rate" env:"TES_DEBUG_RATE"`

	Beamline             string `yaml:"beamline" env:"TES_BEAMLINE"`
	MetadataDir          string `yaml:"metadata_dir" env:"TES_METADATA_DIR"`
	MetadataCodec        string `yaml:"metadata_codec" env:"TES_METADATA_CODEC"`
	MetadataWriteThrough bool   `yaml:"metadata_write_through" env:"TES_METADATA_WRITE_THROUGH"`

	VStreamName        string  `yaml:"vstream_name" env:"TES_VSTREAM_NAME"`
	VStreamURL         string  `yaml:"vstream_url" env:"TES_VSTREAM_URL"`
	VStreamRoot        string  `yaml:"vstream_root" env:"TES_VSTREAM_ROOT"`
	VStreamBackend     string  `yaml:"vstream_backend" env:"TES_VSTREAM_BACKEND"`
	VStreamExposure    float64 `yaml:"vstream_exposure" env:"TES_VSTREAM_EXPOSURE"`
	VStreamHeight      int     `yaml:"vstream_height" env:"TES_VSTREAM_HEIGHT"`
	VStreamWidth       int     `yaml:"vstream_width" env:"TES_VSTREAM_WIDTH"`
	VStreamMinFrames   int     `yaml:"vstream_min_frames" env:"TES_VSTREAM_MIN_FRAMES"`
	VStreamCompression string  `yaml:"vstream_compression" env:"TES_VSTREAM_COMPRESSION"`
	VStreamFormat      string  `yaml:"vstream_format" env:"TES_VSTREAM_FORMAT"`

	PICamEnabled          bool          `yaml:"picam_enabled" env:"TES_PICAM_ENABLED"`
	PICamName             string        `yaml:"picam_name" env:"TES_PICAM_NAME"`
	PICamPrefix           string        `yaml:"picam_prefix" env:"TES_PICAM_PREFIX"`
	PVWSURL               string        `yaml:"pvws_url" env:"TES_PVWS_URL"`
	PVTimeout             time.Duration `yaml:"pv_timeout" env:"TES_PV_TIMEOUT"`
	StatusInterval        time.Duration `yaml:"status_interval" env:"TES_STATUS_INTERVAL"`
	HDF5WritePathTemplate string        `yaml:"hdf5_write_path_template" env:"TES_HDF5_WRITE_PATH_TEMPLATE"`
	HDF5Root              string        `yaml:"hdf5_root" env:"TES_HDF5_ROOT"`
	HDF5CreateDirectory   int           `yaml:"hdf5_create_directory" env:"TES_HDF5_CREATE_DIRECTORY"`
	HDF5PrimeOnStage      bool          `yaml:"hdf5_prime_on_stage" env:"TES_HDF5_PRIME_ON_STAGE"`

	DocLogEnabled  bool   `yaml:"doc_log" env:"TES_DOC_LOG"`
	DocLogDir      string `yaml:"doc_log_dir" env:"TES_DOC_LOG_DIR"`
	ZMQEndpoint    string `yaml:"zmq_endpoint" env:"TES_ZMQ_ENDPOINT"`
	ZMQTopicPrefix string `yaml:"zmq_topic_prefix" env:"TES_ZMQ_TOPIC_PREFIX"`
	AMQPURL        string `yaml:"amqp_url" env:"TES_AMQP_URL"`
	AMQPExchange   string `yaml:"amqp_exchange" env:"TES_AMQP_EXCHANGE"`
	DatabaseURL    string `yaml:"database_url" env:"TES_DATABASE_URL"`

	MinIOEndpoint  string `yaml:"minio_endpoint" env:"TES_MINIO_ENDPOINT"`
	MinIOAccessKey string `yaml:"minio_access_key" env:"TES_MINIO_ACCESS_KEY"`
	MinIOSecretKey string `yaml:"minio_secret_key" env:"TES_MINIO_SECRET_KEY"`
	MinIOUseSSL    bool   `yaml:"minio_use_ssl" env:"TES_MINIO_USE_SSL"`
	MinIOBucket    string `yaml:"minio_bucket" env:"TES_MINIO_BUCKET"`
}

// Default is the TES endstation profile.
func Default() AppConfig {
	return AppConfig{
		LogLevel:  "info",
		Port:      8888,
		DebugRate: 30,

		Beamline:      "TES",
		MetadataDir:   "/nsls2/data/tes/shared/config/runengine-metadata",
		MetadataCodec: "msgpack",

		VStreamName:        "vstream",
		VStreamURL:         "http://10.68.57.34/mjpg/video.mjpg",
		VStreamRoot:        "/nsls2/data/tes/legacy/detectors/vlm_ophyd",
		VStreamBackend:     BackendMJPEG,
		VStreamExposure:    0.25,
		VStreamHeight:      480,
		VStreamWidth:       704,
		VStreamMinFrames:   1,
		VStreamCompression: "zstd",
		VStreamFormat:      stack.FormatStack,

		PICamEnabled:          true,
		PICamName:             "picam",
		PICamPrefix:           "XF:08BM-ES{Det:PICAM1}",
		PVWSURL:               "ws://localhost:8080/pvws/pv",
		PVTimeout:             10 * time.Second,
		StatusInterval:        time.Second,
		HDF5WritePathTemplate: "/home/xf08bm/Users/Data/TES/raw/picam/hdf5/%Y/%m/%d/",
		HDF5Root:              "/home/xf08bm/Users/Data/TES/raw/",
		HDF5CreateDirectory:   -3,
		HDF5PrimeOnStage:      true,

		DocLogDir:      "doclog",
		ZMQTopicPrefix: "TES.",
		AMQPExchange:   "bluesky",
		MinIOBucket:    "tes-raw",
	}
}

// Load applies the YAML profile at path (skipped when empty), then any .env
// files, then the environment. Variables already set in the environment win
// over .env files.
func Load(path string, envFiles ...string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load env files: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MetadataDir == "" {
		errs = append(errs, errors.New("metadata_dir is required"))
	}
	if c.VStreamExposure <= 0 {
		errs = append(errs, fmt.Errorf("vstream_exposure must be positive, got %g", c.VStreamExposure))
	}
	switch c.VStreamBackend {
	case BackendMJPEG, BackendGoCV:
	default:
		errs = append(errs, fmt.Errorf("unknown vstream_backend %q", c.VStreamBackend))
	}
	if !stack.ValidFormat(c.VStreamFormat) {
		errs = append(errs, fmt.Errorf("unknown vstream_format %q", c.VStreamFormat))
	}
	if c.VStreamHeight <= 0 || c.VStreamWidth <= 0 {
		errs = append(errs, fmt.Errorf("vstream frame %dx%d is empty", c.VStreamHeight, c.VStreamWidth))
	}
	if c.PICamEnabled && !c.Debug && c.PVWSURL == "" {
		errs = append(errs, errors.New("pvws_url is required for the PICam"))
	}
	if c.MinIOEndpoint != "" && c.MinIOBucket == "" {
		errs = append(errs, errors.New("minio_bucket is required with minio_endpoint"))
	}
	return errors.Join(errs...)
}

// Redacted hides credentials for display.
func (c AppConfig) Redacted() AppConfig {
	if c.MinIOSecretKey != "" {
		c.MinIOSecretKey = "***"
	}
	if c.AMQPURL != "" {
		c.AMQPURL = redactURL(c.AMQPURL)
	}
	if c.DatabaseURL != "" {
		c.DatabaseURL = redactURL(c.DatabaseURL)
	}
	return c
}
