// Package config loads the rover configuration from YAML with environment
// overrides for deployment-specific values, and hot-reloads tunable
// thresholds when the file changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Robot struct {
		Name string `yaml:"name"`
	} `yaml:"robot"`

	Server struct {
		Addr       string `yaml:"addr"`
		SigningKey string `yaml:"signing_key"` // empty disables WS auth
	} `yaml:"server"`

	Serial struct {
		Port     string `yaml:"port"`
		BaudRate int    `yaml:"baud_rate"`
	} `yaml:"serial"`

	NATS struct {
		URL               string `yaml:"url"`
		DetectionSubject  string `yaml:"detection_subject"`
		FrameSubject      string `yaml:"frame_subject"`
		PeripheralSubject string `yaml:"peripheral_subject"`
	} `yaml:"nats"`

	Redis struct {
		Addr     string `yaml:"addr"` // empty disables the journal
		Password string `yaml:"password"`
	} `yaml:"redis"`

	// Uplink is the operator link the rover actively establishes.
	Uplink struct {
		URL           string        `yaml:"url"` // empty disables the uplink
		BackoffBase   time.Duration `yaml:"backoff_base"`
		BackoffGrowth float64       `yaml:"backoff_growth"`
		BackoffCap    time.Duration `yaml:"backoff_cap"`
	} `yaml:"uplink"`

	Modes Tunables `yaml:"modes"`

	Watchdog struct {
		Interval       time.Duration `yaml:"interval"`
		MaxCPUTemp     float64       `yaml:"max_cpu_temp"`
		MaxCPUUsage    float64       `yaml:"max_cpu_usage"`
		MaxMemoryUsage float64       `yaml:"max_memory_usage"`
		MaxDiskUsage   float64       `yaml:"max_disk_usage"`
	} `yaml:"watchdog"`
}

// Tunables are the behavior knobs that may be hot-reloaded at runtime.
type Tunables struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	CountdownSeconds    int           `yaml:"countdown_seconds"`
	PatrolInterval      time.Duration `yaml:"patrol_interval"`
	PatrolBurst         time.Duration `yaml:"patrol_burst"`
	WelcomePause        time.Duration `yaml:"welcome_pause"`
	TrustedIdentities   []string      `yaml:"trusted_identities"`
	RandomSeed          int64         `yaml:"random_seed"` // 0 = time-seeded
}

// Load reads path (missing file is fine, defaults apply) and applies env
// overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.fillDefaults()
	return cfg, nil
}

// Default returns the configuration the rover ships with.
func Default() *Config {
	cfg := &Config{}
	cfg.fillDefaults()
	return cfg
}

func (c *Config) fillDefaults() {
	if c.Robot.Name == "" {
		c.Robot.Name = "ts-rover"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8765"
	}
	if c.Serial.Port == "" {
		c.Serial.Port = "/dev/ttyUSB0"
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.NATS.DetectionSubject == "" {
		c.NATS.DetectionSubject = "rover.perception.detections"
	}
	if c.NATS.FrameSubject == "" {
		c.NATS.FrameSubject = "rover.perception.frames"
	}
	if c.NATS.PeripheralSubject == "" {
		c.NATS.PeripheralSubject = "rover.peripherals.command"
	}
	if c.Uplink.BackoffBase == 0 {
		c.Uplink.BackoffBase = time.Second
	}
	if c.Uplink.BackoffGrowth == 0 {
		c.Uplink.BackoffGrowth = 1.5
	}
	if c.Uplink.BackoffCap == 0 {
		c.Uplink.BackoffCap = 30 * time.Second
	}
	if c.Modes.ConfidenceThreshold == 0 {
		c.Modes.ConfidenceThreshold = 0.7
	}
	if c.Modes.CountdownSeconds == 0 {
		c.Modes.CountdownSeconds = 10
	}
	if c.Modes.PatrolInterval == 0 {
		c.Modes.PatrolInterval = 5 * time.Second
	}
	if c.Modes.PatrolBurst == 0 {
		c.Modes.PatrolBurst = time.Second
	}
	if c.Modes.WelcomePause == 0 {
		c.Modes.WelcomePause = 30 * time.Second
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = time.Second
	}
	if c.Watchdog.MaxCPUTemp == 0 {
		c.Watchdog.MaxCPUTemp = 80.0
	}
	if c.Watchdog.MaxCPUUsage == 0 {
		c.Watchdog.MaxCPUUsage = 90.0
	}
	if c.Watchdog.MaxMemoryUsage == 0 {
		c.Watchdog.MaxMemoryUsage = 90.0
	}
	if c.Watchdog.MaxDiskUsage == 0 {
		c.Watchdog.MaxDiskUsage = 90.0
	}
}

func applyEnv(c *Config) {
	if v := os.Getenv("ROVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("JWT_SIGNING_KEY"); v != "" {
		c.Server.SigningKey = v
	}
	if v := os.Getenv("ROVER_SERIAL_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("ROVER_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("ROVER_UPLINK_URL"); v != "" {
		c.Uplink.URL = v
	}
}
