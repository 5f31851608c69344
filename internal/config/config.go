package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AMI      AMIConfig      `yaml:"ami"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type AMIConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SweepConfig struct {
	// Schedule is a cron spec understood by robfig/cron, e.g. "@every 1m".
	Schedule             string `yaml:"schedule"`
	RingThresholdMinutes int    `yaml:"ring_threshold_minutes"`
	AnswerThresholdHours int    `yaml:"answer_threshold_hours"`
	DryRun               bool   `yaml:"dry_run"`
	SkipVerify           bool   `yaml:"skip_verify"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// RingThreshold returns the sweep ringing threshold as a duration.
func (c *SweepConfig) RingThreshold() time.Duration {
	return time.Duration(c.RingThresholdMinutes) * time.Minute
}

// AnswerThreshold returns the sweep answered threshold as a duration.
func (c *SweepConfig) AnswerThreshold() time.Duration {
	return time.Duration(c.AnswerThresholdHours) * time.Hour
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		AMI: AMIConfig{
			Host: "127.0.0.1",
			Port: 5038,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "callwatch",
			TopicPrefix: "callwatch",
		},
		Database: DatabaseConfig{
			Path: "/var/lib/callwatch/callwatch.db",
		},
		Sweep: SweepConfig{
			Schedule:             "@every 1m",
			RingThresholdMinutes: 5,
			AnswerThresholdHours: 4,
		},
		Metrics: MetricsConfig{
			Listen: "", // disabled unless set
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AMI.Host == "" {
		return fmt.Errorf("ami.host is required")
	}
	if c.AMI.Port < 1 || c.AMI.Port > 65535 {
		return fmt.Errorf("ami.port must be between 1 and 65535, got %d", c.AMI.Port)
	}
	if c.AMI.Username == "" {
		return fmt.Errorf("ami.username is required")
	}
	if c.AMI.Secret == "" {
		return fmt.Errorf("ami.secret is required")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id is required")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sweep.Schedule == "" {
		return fmt.Errorf("sweep.schedule is required")
	}
	if c.Sweep.RingThresholdMinutes < 1 {
		return fmt.Errorf("sweep.ring_threshold_minutes must be at least 1, got %d", c.Sweep.RingThresholdMinutes)
	}
	if c.Sweep.AnswerThresholdHours < 1 {
		return fmt.Errorf("sweep.answer_threshold_hours must be at least 1, got %d", c.Sweep.AnswerThresholdHours)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	return nil
}
