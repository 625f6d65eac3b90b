// Package config loads the agent's runtime configuration from the
// environment (with .env support) and its scheduler triggers from a YAML
// file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/scheduler"
)

const (
	DefaultDBPath            = "agent.db"
	DefaultHTTPAddr          = "127.0.0.1:8090"
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultPollInterval      = 30 * time.Second
	DefaultTaskTimeout       = 10 * time.Minute
	DefaultDrainTimeout      = 30 * time.Second
	DefaultConcurrency       = 4
	DefaultMaxAttempts       = 3
)

// Config is the full runtime configuration of the agent process.
type Config struct {
	AgentID     string
	AgentSecret string

	ControllerWSURL  string
	ControllerAPIURL string

	DBPath       string
	TriggersFile string
	HTTPAddr     string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	TaskTimeout       time.Duration
	DrainTimeout      time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration

	Concurrency int
	MaxAttempts int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first if present.
func Load() (Config, error) {
	godotenv.Load()

	cfg := Config{
		AgentID:           os.Getenv("AGENT_ID"),
		AgentSecret:       os.Getenv("AGENT_SECRET"),
		ControllerWSURL:   os.Getenv("CONTROLLER_WS_URL"),
		ControllerAPIURL:  os.Getenv("CONTROLLER_API_URL"),
		DBPath:            envOr("AGENT_DB_PATH", DefaultDBPath),
		TriggersFile:      os.Getenv("AGENT_TRIGGERS_FILE"),
		HTTPAddr:          envOr("AGENT_HTTP_ADDR", DefaultHTTPAddr),
		HeartbeatInterval: DefaultHeartbeatInterval,
		PollInterval:      DefaultPollInterval,
		TaskTimeout:       DefaultTaskTimeout,
		DrainTimeout:      DefaultDrainTimeout,
		Concurrency:       DefaultConcurrency,
		MaxAttempts:       DefaultMaxAttempts,
	}

	for _, d := range []struct {
		env  string
		dest *time.Duration
	}{
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"TASK_TIMEOUT", &cfg.TaskTimeout},
		{"DRAIN_TIMEOUT", &cfg.DrainTimeout},
		{"RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
	} {
		if err := durationEnv(d.env, d.dest); err != nil {
			return Config{}, err
		}
	}
	for _, n := range []struct {
		env  string
		dest *int
	}{
		{"EXECUTOR_CONCURRENCY", &cfg.Concurrency},
		{"TASK_MAX_ATTEMPTS", &cfg.MaxAttempts},
	} {
		if err := intEnv(n.env, n.dest); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate checks the fields required to actually run the agent. Loading
// without them is fine for offline commands like queue inspection.
func (c Config) Validate() error {
	if c.AgentID == "" {
		return errors.New("AGENT_ID is required")
	}
	if c.AgentSecret == "" {
		return errors.New("AGENT_SECRET is required")
	}
	if c.ControllerWSURL == "" && c.ControllerAPIURL == "" {
		return errors.New("at least one of CONTROLLER_WS_URL and CONTROLLER_API_URL is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, dest *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", key)
	}
	*dest = d
	return nil
}

func intEnv(key string, dest *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", key)
	}
	*dest = n
	return nil
}

// triggerSpec is the YAML shape of a trigger; intervals are duration strings.
type triggerSpec struct {
	Name      string                 `yaml:"name"`
	TimeOfDay string                 `yaml:"time_of_day"`
	Interval  string                 `yaml:"interval"`
	TaskType  string                 `yaml:"task_type"`
	Payload   map[string]interface{} `yaml:"payload"`
}

type triggersFile struct {
	Triggers []triggerSpec `yaml:"triggers"`
}

// LoadTriggers parses the scheduler trigger file. An empty path means no
// scheduled tasks.
func LoadTriggers(path string) ([]scheduler.Trigger, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read triggers file %s", path)
	}
	var file triggersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "parse triggers file %s", path)
	}

	triggers := make([]scheduler.Trigger, 0, len(file.Triggers))
	for _, spec := range file.Triggers {
		tr := scheduler.Trigger{
			Name:      spec.Name,
			TimeOfDay: spec.TimeOfDay,
			TaskType:  spec.TaskType,
			Payload:   spec.Payload,
		}
		if spec.Interval != "" {
			d, err := time.ParseDuration(spec.Interval)
			if err != nil {
				return nil, errors.Wrapf(err, "trigger %s has invalid interval", spec.Name)
			}
			tr.Interval = d
		}
		if err := tr.Validate(); err != nil {
			return nil, err
		}
		triggers = append(triggers, tr)
	}
	return triggers, nil
}
