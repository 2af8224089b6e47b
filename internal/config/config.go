package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Path is the location of the optional YAML config file. An empty path
// means defaults only.
type Path string

type Config struct {
	Shell   Shell   `yaml:"shell"`
	Monitor Monitor `yaml:"monitor"`
	Store   Store   `yaml:"store"`
	Auth    Auth    `yaml:"auth"`
	Log     Log     `yaml:"log"`
}

type Shell struct {
	Port int `yaml:"port"`
}

type Monitor struct {
	Interval     time.Duration `yaml:"interval"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type Store struct {
	Driver string `yaml:"driver"`
	SQLite SQLite `yaml:"sqlite"`
	JSON   JSON   `yaml:"json"`
	Redis  Redis  `yaml:"redis"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type JSON struct {
	Path string `yaml:"path"`
}

type Redis struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

type Auth struct {
	// LoginRate is the sustained number of login attempts allowed per second.
	LoginRate  float64 `yaml:"login_rate"`
	LoginBurst int     `yaml:"login_burst"`
}

type Log struct {
	Production bool `yaml:"production"`
}

var (
	errConfigIsDir = errors.New("config file is dir")
	errBadInterval = errors.New("monitor interval must be positive")
)

func Default() *Config {
	return &Config{
		Shell: Shell{
			Port: 8123,
		},
		Monitor: Monitor{
			Interval:     5 * time.Second,
			QueryTimeout: 30 * time.Second,
		},
		Store: Store{
			Driver: "sqlite",
			SQLite: SQLite{Path: "fieldtrack.db"},
			JSON:   JSON{Path: "fieldtrack.json"},
			Redis:  Redis{Addr: "localhost:6379", Prefix: "fieldtrack"},
		},
		Auth: Auth{
			LoginRate:  1,
			LoginBurst: 5,
		},
	}
}

// New returns the defaults overlaid with the file at p, if any.
func New(p Path) (*Config, error) {
	c := Default()
	if p == "" {
		return c, nil
	}

	filename, err := filepath.Abs(string(p))
	if err != nil {
		return nil, err
	}

	finfo, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}
	if finfo.IsDir() {
		return nil, errConfigIsDir
	}

	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	if c.Monitor.Interval <= 0 {
		return nil, errBadInterval
	}

	return c, nil
}
