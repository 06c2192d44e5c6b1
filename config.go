package dealhunter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use Go duration strings
// like "250ms" or "10m".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// QueueConfig sizes the background worker pool.
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	BufferSize  int `yaml:"buffer_size"`
}

// EngineConfig tunes run execution.
type EngineConfig struct {
	MaxConcurrentSteps int `yaml:"max_concurrent_steps"`
}

// StreamConfig tunes the progress event transport.
type StreamConfig struct {
	// BufferSize is the per-subscriber event buffer before drops.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval batches client-side UI updates.
	FlushInterval Duration `yaml:"flush_interval"`

	// Timeout caps how long a streaming connection stays open.
	Timeout Duration `yaml:"timeout"`

	// LogCapacity bounds the client's retained event log.
	LogCapacity int `yaml:"log_capacity"`
}

// Config is the service configuration, loaded from YAML.
type Config struct {
	Listen      string       `yaml:"listen"`
	DataDir     string       `yaml:"data_dir"`
	DatabaseURL string       `yaml:"database_url"`
	Pipeline    string       `yaml:"pipeline"`
	LogLevel    string       `yaml:"log_level"`
	LogFormat   string       `yaml:"log_format"`
	Queue       QueueConfig  `yaml:"queue"`
	Engine      EngineConfig `yaml:"engine"`
	Stream      StreamConfig `yaml:"stream"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8700",
		Pipeline: "deep_scan",
		LogLevel: "info",
		Queue: QueueConfig{
			Concurrency: 2,
			BufferSize:  64,
		},
		Engine: EngineConfig{
			MaxConcurrentSteps: 4,
		},
		Stream: StreamConfig{
			BufferSize:    256,
			FlushInterval: Duration(100 * time.Millisecond),
			Timeout:       Duration(10 * time.Minute),
			LogCapacity:   200,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}
