package dbp2p

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// the client config file, e.g.
//
//	api:
//	  url: http://localhost:8080
//	  timeout: 60s
//	websocket:
//	  url: ws://localhost:8081
//	  connect_timeout: 5s
//	auth:
//	  username: admin
type Config struct {
	Api       ApiConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ApiConfig struct {
	Url     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WebSocketConfig struct {
	Url            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func DefaultConfig() *Config {
	apiSettings := DefaultApiSettings()
	eventChannelSettings := DefaultEventChannelSettings()
	return &Config{
		Api: ApiConfig{
			Url:     "http://localhost:8080",
			Timeout: apiSettings.HttpTimeout,
		},
		WebSocket: WebSocketConfig{
			Url:            "ws://localhost:8081",
			ConnectTimeout: eventChannelSettings.ConnectTimeout,
			PingInterval:   eventChannelSettings.PingTimeout,
		},
		Auth: AuthConfig{
			Username: "admin",
		},
	}
}

// values missing from the file keep their defaults
func LoadConfig(path string) (*Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(configBytes)
}

func ParseConfig(configBytes []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) ClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	if 0 < self.Api.Timeout {
		settings.ApiSettings.HttpTimeout = self.Api.Timeout
	}
	if 0 < self.WebSocket.ConnectTimeout {
		settings.EventChannelSettings.ConnectTimeout = self.WebSocket.ConnectTimeout
	}
	if 0 < self.WebSocket.PingInterval {
		settings.EventChannelSettings.PingTimeout = self.WebSocket.PingInterval
	}
	return settings
}
