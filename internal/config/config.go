package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FORMCOACH_"

// Config represents the complete formcoach configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id" env:"INSTANCE_ID"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s" env:"SHUTDOWN_TIMEOUT_S"` // Graceful shutdown timeout in seconds (default: 5)
	Session          SessionConfig   `yaml:"session" envPrefix:"SESSION_"`
	Camera           CameraConfig    `yaml:"camera" envPrefix:"CAMERA_"`
	Inference        InferenceConfig `yaml:"inference" envPrefix:"INFERENCE_"`
	MQTT             MQTTConfig      `yaml:"mqtt" envPrefix:"MQTT_"`
	HTTP             HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
}

// SessionConfig contains poll loop settings
type SessionConfig struct {
	PollIntervalMS  int      `yaml:"poll_interval_ms" env:"POLL_INTERVAL_MS"`
	AnalyzeTimeoutS int      `yaml:"analyze_timeout_s" env:"ANALYZE_TIMEOUT_S"`
	Exercises       []string `yaml:"exercises" env:"EXERCISES"`
	// DefaultExercise is selected at startup (optional)
	DefaultExercise string `yaml:"default_exercise" env:"DEFAULT_EXERCISE"`
}

// CameraConfig selects and configures the frame source device
type CameraConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"` // v4l2, remote, mock

	// v4l2
	Device             string  `yaml:"device" env:"DEVICE"`
	Width              int     `yaml:"width" env:"WIDTH"`
	Height             int     `yaml:"height" env:"HEIGHT"`
	FPS                float64 `yaml:"fps" env:"FPS"`
	JPEGQuality        int     `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
	FirstFrameTimeoutS int     `yaml:"first_frame_timeout_s" env:"FIRST_FRAME_TIMEOUT_S"`
	PermissionPollMS   int     `yaml:"permission_poll_ms" env:"PERMISSION_POLL_MS"`
	WarmupDurationS    int     `yaml:"warmup_duration_s" env:"WARMUP_DURATION_S"`

	// remote (browser bridge)
	AttachTimeoutS int      `yaml:"attach_timeout_s" env:"ATTACH_TIMEOUT_S"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// InferenceConfig selects and configures the analysis backend
type InferenceConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"` // endpoint, openai, process

	// endpoint / openai
	URL       string `yaml:"url" env:"URL"`
	APIKey    string `yaml:"-" env:"API_KEY"` // Secret: environment only
	Model     string `yaml:"model" env:"MODEL"`
	MaxTokens int    `yaml:"max_tokens" env:"MAX_TOKENS"`

	// process
	Command string   `yaml:"command" env:"COMMAND"`
	Args    []string `yaml:"args" env:"ARGS"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool            `yaml:"enabled" env:"ENABLED"`
	Broker   string          `yaml:"broker" env:"BROKER"`
	Username string          `yaml:"username" env:"USERNAME"`
	Password string          `yaml:"-" env:"PASSWORD"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
	Verdicts  string `yaml:"verdicts"`
	State     string `yaml:"state"`
	Health    string `yaml:"health"`
}

// HTTPConfig contains the HTTP surface settings
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// ServeAnalyze exposes POST /api/analyze backed by the configured backend
	ServeAnalyze bool `yaml:"serve_analyze" env:"SERVE_ANALYZE"`
}

// Load reads a YAML configuration file, applies FORMCOACH_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// PollInterval returns the poll period
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Session.PollIntervalMS) * time.Millisecond
}

// AnalyzeTimeout returns the per-call inference timeout
func (c *Config) AnalyzeTimeout() time.Duration {
	return time.Duration(c.Session.AnalyzeTimeoutS) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
