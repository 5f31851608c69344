package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
ami:
  host: 192.168.1.200
  port: 5038
  username: admin
  secret: s3cret
mqtt:
  broker: tcp://localhost:1883
  client_id: test
  topic_prefix: pbx
database:
  path: /tmp/test.db
sweep:
  schedule: "@every 5m"
  ring_threshold_minutes: 2
  answer_threshold_hours: 1
  dry_run: true
metrics:
  listen: ":9477"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Host != "192.168.1.200" {
		t.Errorf("expected host=192.168.1.200, got %s", cfg.AMI.Host)
	}
	if cfg.AMI.Addr() != "192.168.1.200:5038" {
		t.Errorf("expected addr=192.168.1.200:5038, got %s", cfg.AMI.Addr())
	}
	if cfg.MQTT.TopicPrefix != "pbx" {
		t.Errorf("expected topic_prefix=pbx, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("expected database path=/tmp/test.db, got %s", cfg.Database.Path)
	}
	if cfg.Sweep.RingThreshold() != 2*time.Minute {
		t.Errorf("expected ring threshold=2m, got %s", cfg.Sweep.RingThreshold())
	}
	if cfg.Sweep.AnswerThreshold() != time.Hour {
		t.Errorf("expected answer threshold=1h, got %s", cfg.Sweep.AnswerThreshold())
	}
	if !cfg.Sweep.DryRun {
		t.Error("expected dry_run=true")
	}
	if cfg.Metrics.Listen != ":9477" {
		t.Errorf("expected metrics listen=:9477, got %s", cfg.Metrics.Listen)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
ami:
  username: admin
  secret: s3cret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Host != "127.0.0.1" {
		t.Errorf("expected default host=127.0.0.1, got %s", cfg.AMI.Host)
	}
	if cfg.AMI.Port != 5038 {
		t.Errorf("expected default port=5038, got %d", cfg.AMI.Port)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("expected default broker, got %s", cfg.MQTT.Broker)
	}
	if cfg.MQTT.ClientID != "callwatch" {
		t.Errorf("expected default client_id, got %s", cfg.MQTT.ClientID)
	}
	if cfg.MQTT.TopicPrefix != "callwatch" {
		t.Errorf("expected default topic_prefix=callwatch, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.Sweep.Schedule != "@every 1m" {
		t.Errorf("expected default sweep schedule, got %s", cfg.Sweep.Schedule)
	}
	if cfg.Sweep.RingThresholdMinutes != 5 {
		t.Errorf("expected default ring threshold=5, got %d", cfg.Sweep.RingThresholdMinutes)
	}
	if cfg.Sweep.DryRun || cfg.Sweep.SkipVerify {
		t.Error("expected dry_run and skip_verify to default to false")
	}
	if cfg.Metrics.Listen != "" {
		t.Errorf("expected metrics disabled by default, got %s", cfg.Metrics.Listen)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level=info, got %s", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, `{{{invalid`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{"empty username", `
ami:
  secret: s3cret
`, "ami.username is required"},
		{"empty secret", `
ami:
  username: admin
`, "ami.secret is required"},
		{"port zero", `
ami:
  port: 0
  username: admin
  secret: s3cret
`, "ami.port must be between 1 and 65535, got 0"},
		{"port too high", `
ami:
  port: 70000
  username: admin
  secret: s3cret
`, "ami.port must be between 1 and 65535, got 70000"},
		{"empty host", `
ami:
  host: ""
  username: admin
  secret: s3cret
`, "ami.host is required"},
		{"empty broker", `
ami:
  username: admin
  secret: s3cret
mqtt:
  broker: ""
`, "mqtt.broker is required"},
		{"empty database path", `
ami:
  username: admin
  secret: s3cret
database:
  path: ""
`, "database.path is required"},
		{"ring threshold zero", `
ami:
  username: admin
  secret: s3cret
sweep:
  ring_threshold_minutes: 0
`, "sweep.ring_threshold_minutes must be at least 1, got 0"},
		{"bad log level", `
ami:
  username: admin
  secret: s3cret
log:
  level: chatty
`, `log.level must be one of debug, info, warn, error; got "chatty"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.config)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}
