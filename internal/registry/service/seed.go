package service

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Proxies []SeedProxy `yaml:"proxies"`
}

type SeedProxy struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	URL      string `yaml:"url"`
}

// LoadSeedFile reads the optional startup seed list. A proxy may be given
// either as discrete fields or as a single url string.
func LoadSeedFile(path string) ([]SeedProxy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	for i, p := range file.Proxies {
		if p.URL == "" && p.Host == "" {
			return nil, fmt.Errorf("seed entry %d: %w", i, errors.New("needs either url or host"))
		}
	}

	return file.Proxies, nil
}
