package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Network  NetworkConfig  `toml:"network"`
	World    WorldConfig    `toml:"world"`
	Persist  PersistConfig  `toml:"persist"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
}

type ServerConfig struct {
	Name string `toml:"name"`
}

type NetworkConfig struct {
	BindAddress  string        `toml:"bind_address"`
	OutQueueSize int           `toml:"out_queue_size"`
	WriteTimeout time.Duration `toml:"write_timeout"`
	AccountsFile string        `toml:"accounts_file"` // empty or missing file = auth disabled
}

type WorldConfig struct {
	ScriptsDir    string        `toml:"scripts_dir"`
	ScriptBudget  time.Duration `toml:"script_budget"`  // 0 = unbounded handler execution
	FreezeTimeout time.Duration `toml:"freeze_timeout"` // 0 = wait forever for the drain
}

type PersistConfig struct {
	ImagePath  string `toml:"image_path"`
	BackupPath string `toml:"backup_path"`
	TempPath   string `toml:"temp_path"`
}

type DatabaseConfig struct {
	DSN             string        `toml:"dsn"` // empty = snapshot archive disabled
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name: "orisa",
		},
		Network: NetworkConfig{
			BindAddress:  "127.0.0.1:8889",
			OutQueueSize: 64,
			WriteTimeout: 10 * time.Second,
		},
		World: WorldConfig{
			ScriptsDir:    "scripts",
			ScriptBudget:  5 * time.Second,
			FreezeTimeout: 30 * time.Second,
		},
		Persist: PersistConfig{
			ImagePath:  "world.json",
			BackupPath: "world.bak.json",
			TempPath:   "world-out.json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    1,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
