package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Database is the SQLite file holding the cache and the queue.
	Database string `yaml:"database"`
	BaseURL  string `yaml:"baseURL"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
