package config

import (
	"fmt"
	"regexp"
	"slices"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// DefaultExercises is the catalog used when none is configured
var DefaultExercises = []string{"Squat", "Push-up", "Lunge", "Plank", "Deadlift"}

const (
	CameraV4L2   = "v4l2"
	CameraRemote = "remote"
	CameraMock   = "mock"

	InferenceEndpoint = "endpoint"
	InferenceOpenAI   = "openai"
	InferenceProcess  = "process"
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateSession(&cfg.Session); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if err := validateInference(&cfg.Inference); err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	if err := validateMQTT(&cfg.MQTT, cfg.InstanceID); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	return nil
}

func validateSession(s *SessionConfig) error {
	if s.PollIntervalMS == 0 {
		s.PollIntervalMS = 5000
	}
	if s.PollIntervalMS < 100 {
		return fmt.Errorf("poll_interval_ms must be >= 100, got %d", s.PollIntervalMS)
	}
	if s.AnalyzeTimeoutS == 0 {
		s.AnalyzeTimeoutS = 30
	}
	if s.AnalyzeTimeoutS < 0 {
		return fmt.Errorf("analyze_timeout_s must be > 0")
	}
	if len(s.Exercises) == 0 {
		s.Exercises = slices.Clone(DefaultExercises)
	}
	if s.DefaultExercise != "" && !slices.Contains(s.Exercises, s.DefaultExercise) {
		return fmt.Errorf("default_exercise %q is not in the exercise catalog", s.DefaultExercise)
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	if c.Backend == "" {
		c.Backend = CameraV4L2
	}

	switch c.Backend {
	case CameraV4L2:
		if c.Device == "" {
			c.Device = "/dev/video0"
		}
		if c.FPS == 0 {
			c.FPS = 10
		}
		if c.FPS < 0 {
			return fmt.Errorf("fps must be > 0")
		}
		if c.Width == 0 && c.Height == 0 {
			c.Width, c.Height = 640, 480
		}
		if c.Width <= 0 || c.Height <= 0 {
			return fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height)
		}
		if c.JPEGQuality == 0 {
			c.JPEGQuality = 85
		}
		if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
			return fmt.Errorf("jpeg_quality must be in [1,100], got %d", c.JPEGQuality)
		}
		if c.WarmupDurationS == 0 {
			c.WarmupDurationS = 5
		}
	case CameraRemote:
		if c.AttachTimeoutS == 0 {
			c.AttachTimeoutS = 10
		}
	case CameraMock:
		if c.FPS == 0 {
			c.FPS = 5
		}
	default:
		return fmt.Errorf("unknown backend %q (must be v4l2, remote or mock)", c.Backend)
	}

	if c.FirstFrameTimeoutS == 0 {
		c.FirstFrameTimeoutS = 5
		if c.Backend == CameraRemote {
			c.FirstFrameTimeoutS = 30
		}
	}
	if c.PermissionPollMS == 0 {
		c.PermissionPollMS = 1000
	}
	return nil
}

func validateInference(i *InferenceConfig) error {
	if i.Backend == "" {
		i.Backend = InferenceEndpoint
	}

	switch i.Backend {
	case InferenceEndpoint:
		if i.URL == "" {
			return fmt.Errorf("url is required for the endpoint backend")
		}
	case InferenceOpenAI:
		if i.APIKey == "" {
			return fmt.Errorf("api key is required for the openai backend (set %sINFERENCE_API_KEY)", EnvPrefix)
		}
		if i.Model == "" {
			return fmt.Errorf("model is required for the openai backend")
		}
	case InferenceProcess:
		if i.Command == "" {
			return fmt.Errorf("command is required for the process backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (must be endpoint, openai or process)", i.Backend)
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) error {
	if !m.Enabled {
		return nil
	}
	if m.Broker == "" {
		return fmt.Errorf("broker is required when mqtt is enabled")
	}

	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("formcoach/control/%s", instanceID)
	}
	if m.Topics.Responses == "" {
		m.Topics.Responses = m.Topics.Control + "/responses"
	}
	if m.Topics.Verdicts == "" {
		m.Topics.Verdicts = fmt.Sprintf("formcoach/verdicts/%s", instanceID)
	}
	if m.Topics.State == "" {
		m.Topics.State = fmt.Sprintf("formcoach/state/%s", instanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("formcoach/health/%s", instanceID)
	}

	if m.QoS == nil {
		m.QoS = map[string]byte{
			"control":  1,
			"verdicts": 1,
			"state":    1,
			"health":   0,
		}
	}
	for name, qos := range m.QoS {
		if qos > 2 {
			return fmt.Errorf("qos for %q must be 0, 1 or 2, got %d", name, qos)
		}
	}
	return nil
}
