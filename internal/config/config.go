package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type S3Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
}

type CallConfig struct {
	RingTimeoutSec    int `yaml:"ring_timeout_sec"`
	SessionTimeoutSec int `yaml:"session_timeout_sec"`
	SweepIntervalSec  int `yaml:"sweep_interval_sec"`
}

type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	RedisAddr  string     `yaml:"redis_addr"`
	JWTSecret  string     `yaml:"jwt_secret"`
	AdminKey   string     `yaml:"admin_key"`
	PublicURL  string     `yaml:"public_url"`
	S3         S3Config   `yaml:"s3"`
	Calls      CallConfig `yaml:"calls"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost:8080"
	}
	if c.Calls.RingTimeoutSec == 0 {
		c.Calls.RingTimeoutSec = 60
	}
	if c.Calls.SessionTimeoutSec == 0 {
		c.Calls.SessionTimeoutSec = 300
	}
	if c.Calls.SweepIntervalSec == 0 {
		c.Calls.SweepIntervalSec = 5
	}
}

func (c *CallConfig) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

func (c *CallConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSec) * time.Second
}

func (c *CallConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}
