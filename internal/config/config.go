package config

import (
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all service settings. Values come from an optional YAML file
// (EXPORT_CONFIG) with environment variables taking precedence, so a bare
// container can run on env alone.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"server"`

	Pool struct {
		// Size is the number of worker processes. Zero means one per
		// logical CPU.
		Size int `yaml:"size"`
		// NoCluster disables the multi-process model and serves from the
		// current process.
		NoCluster bool `yaml:"no_cluster"`
	} `yaml:"pool"`

	Render struct {
		// BaseURL is the renderer entry point; /export3.html is appended.
		BaseURL       string `yaml:"base_url"`
		ChromePath    string `yaml:"chrome_path"`
		NoSandbox     bool   `yaml:"no_sandbox"`
		UserDataDir   string `yaml:"user_data_dir"`
		WaitSecs      int    `yaml:"wait_secs"`
		KillAfterSecs int    `yaml:"kill_after_secs"`
	} `yaml:"render"`

	Limits struct {
		MaxBodyBytes int   `yaml:"max_body_bytes"`
		MaxArea      int64 `yaml:"max_area"`
	} `yaml:"limits"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`
}

// Load reads the config file named by EXPORT_CONFIG (if any) and applies
// environment overrides.
func Load() Config {
	return LoadFrom(os.Getenv("EXPORT_CONFIG"))
}

// LoadFrom loads defaults, then the given YAML file (if path is non-empty),
// then environment overrides.
func LoadFrom(path string) Config {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			panic("config: read " + path + ": " + err.Error())
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			panic("config: parse " + path + ": " + err.Error())
		}
	}

	applyEnv(&cfg)

	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = runtime.NumCPU()
	}
	return cfg
}

func defaults() Config {
	var cfg Config
	cfg.Server.Port = ":8000"
	cfg.Render.BaseURL = "https://viewer.diagrams.net"
	cfg.Render.WaitSecs = 30
	cfg.Render.KillAfterSecs = 30
	cfg.Limits.MaxBodyBytes = 10 * 1024 * 1024
	cfg.Limits.MaxArea = 20000 * 20000
	cfg.Logger.Level = "info"
	cfg.Logger.MaxSizeMB = 100
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 28
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = ":" + v
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.Size = n
		}
	}
	if os.Getenv("NO_CLUSTER") == "1" {
		cfg.Pool.NoCluster = true
	}
	// DRAWIO_SERVER_URL is kept for backward compatibility.
	if v := os.Getenv("DRAWIO_SERVER_URL"); v != "" {
		cfg.Render.BaseURL = v
	}
	if v := os.Getenv("DRAWIO_BASE_URL"); v != "" {
		cfg.Render.BaseURL = v
	}
	if v := os.Getenv("CHROME_BIN"); v != "" {
		cfg.Render.ChromePath = v
	}
}
