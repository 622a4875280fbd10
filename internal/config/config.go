package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"n54flash/internal/bus"
)

type Config struct {
	Transport struct {
		Type     string `yaml:"type"`
		Address  string `yaml:"address"`
		BaudRate int    `yaml:"baudRate"`
		Debug    bool   `yaml:"debug"`
	} `yaml:"transport"`

	Testing struct {
		UseMockBus bool `yaml:"useMockBus"`
	} `yaml:"testing"`

	Capture struct {
		Enabled  bool   `yaml:"enabled"`
		Filename string `yaml:"filename"`
	} `yaml:"capture"`

	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Datastore struct {
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		InfluxDB struct {
			URL    string `yaml:"url"`
			Org    string `yaml:"org"`
			Bucket string `yaml:"bucket"`
			Token  string `yaml:"token"`
		} `yaml:"influxdb"`
	} `yaml:"datastore"`

	Flasher struct {
		TxID                 uint32 `yaml:"txId"`
		RxID                 uint32 `yaml:"rxId"`
		BackupChunkSize      int    `yaml:"backupChunkSize"`
		FlashChunkSize       int    `yaml:"flashChunkSize"`
		TesterPresentSeconds int    `yaml:"testerPresentSeconds"`
	} `yaml:"flasher"`
}

// LoadConfig reads the config file and returns a Config struct
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

// GetBusConfig returns the FrameBus configuration, falling back to the
// in-process mock backend when Testing.UseMockBus is set.
func (c *Config) GetBusConfig() bus.Config {
	if c.Testing.UseMockBus {
		return bus.Config{Type: "mock"}
	}
	return bus.Config{
		Type:     c.Transport.Type,
		Address:  c.Transport.Address,
		BaudRate: c.Transport.BaudRate,
	}
}
