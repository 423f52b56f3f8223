package replaycache

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration file shape.
type FileConfig struct {
	Listen     ListenConfig   `yaml:"listen"`
	Upstream   UpstreamConfig `yaml:"upstream"`
	Cache      CacheConfig    `yaml:"cache"`
	Modes      ModesConfig    `yaml:"modes"`
	RequestLog string         `yaml:"requestLog"`
}

type ListenConfig struct {
	Port      int    `yaml:"port"`
	AdminPort int    `yaml:"adminPort"`
	CertFile  string `yaml:"certFile"`
	KeyFile   string `yaml:"keyFile"`
}

type UpstreamConfig struct {
	URL         string `yaml:"url"`
	Timeout     int    `yaml:"timeout"`
	Proxy       string `yaml:"proxy"`
	InsecureTLS bool   `yaml:"insecureTls"`
}

type CacheConfig struct {
	Path      string `yaml:"path"`
	IndexFile string `yaml:"indexFile"`
}

type ModesConfig struct {
	BypassCache  bool `yaml:"bypassCache"`
	OverrideMode bool `yaml:"overrideMode"`
	SkipRemote   bool `yaml:"skipRemote"`
}

// LoadFileConfig reads and parses a YAML configuration file.
func LoadFileConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
