package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// HelperEnv overrides the configured device helper binary path.
const HelperEnv = "OFFLOAD_HELPER"

// DefaultHelperPath is the compiled-in location of the device helper
// binary started in every new device process.
const DefaultHelperPath = "/opt/accelforge/offload/helper"

type Config struct {
	Device struct {
		Node     int    `yaml:"node"`
		Helper   string `yaml:"helper"`
		Simulate bool   `yaml:"simulate"`
	} `yaml:"device"`
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Limits struct {
		MaxLocalsBytes int `yaml:"maxLocalsBytes"`
	} `yaml:"limits"`
	Server struct {
		ListenAddress string `yaml:"listenAddress"`
		ListenPort    int    `yaml:"listenPort"`
	} `yaml:"server"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	var cfg Config
	cfg.Device.Node = 0
	cfg.Device.Helper = DefaultHelperPath
	cfg.Logger.Verbosity = "info"
	cfg.Limits.MaxLocalsBytes = 63 * 1024 * 1024
	cfg.Server.ListenAddress = "127.0.0.1"
	cfg.Server.ListenPort = 8080
	applyEnv(&cfg)
	return &cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if helper := os.Getenv(HelperEnv); helper != "" {
		cfg.Device.Helper = helper
	}
}
